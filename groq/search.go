package groq

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
)

// searchSystemPrompt instructs the compound model to return structured JSON.
const searchSystemPrompt = "You are a research assistant with access to web_search and visit_website tools. " +
	"Perform a search for the given query, read a few sources, and summarize findings in a single paragraph. " +
	"Return ONLY a valid JSON with fields: query, summary, sources (list of URLs)."

// Generation parameters for compound search calls.
const (
	searchTemperature = 0.7
	searchMaxTokens   = 512
	searchTopP        = 1
)

// SearchTools are the server-side tools enabled for a search call.
func SearchTools() []string {
	return []string{"web_search", "visit_website"}
}

// SearchResult is the structured outcome of one web search.
type SearchResult struct {
	Query   string   `json:"query"`
	Summary string   `json:"summary"`
	Sources []string `json:"sources"`
}

// Searcher runs web searches through a compound model.
type Searcher struct {
	client *Client
}

// NewSearcher creates a Searcher on top of client.
func NewSearcher(client *Client) (*Searcher, error) {
	if client == nil {
		return nil, errors.New("groq: searcher client is nil")
	}
	return &Searcher{client: client}, nil
}

// Search asks the compound model to search the web for query and returns
// the structured summary.
func (s *Searcher) Search(ctx context.Context, query string) (SearchResult, error) {
	if strings.TrimSpace(query) == "" {
		return SearchResult{}, errors.New("groq: search query is required")
	}

	req := ChatCompletionRequest{
		Messages: []ChatMessage{
			{Role: "system", Content: searchSystemPrompt},
			{Role: "user", Content: query},
		},
		Temperature:         searchTemperature,
		MaxCompletionTokens: searchMaxTokens,
		TopP:                searchTopP,
		Stream:              false,
		CompoundCustom: &CompoundCustom{
			Tools: CompoundTools{EnabledTools: SearchTools()},
		},
	}

	resp, err := s.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return SearchResult{}, err
	}
	if len(resp.Choices) == 0 {
		return SearchResult{}, errors.New("groq: chat completion returned no choices")
	}

	return parseSearchResult(query, resp.Choices[0].Message.Content), nil
}

// parseSearchResult decodes the model reply. The model is prompted to
// return JSON but is not guaranteed to; a non-JSON reply becomes the
// summary verbatim, and each missing field falls back independently.
func parseSearchResult(query, raw string) SearchResult {
	message := strings.TrimSpace(raw)
	result := SearchResult{
		Query:   query,
		Sources: []string{},
	}

	var payload struct {
		Query   string   `json:"query"`
		Summary string   `json:"summary"`
		Sources []string `json:"sources"`
	}
	if err := json.Unmarshal([]byte(message), &payload); err != nil {
		result.Summary = message
		return result
	}

	if payload.Query != "" {
		result.Query = payload.Query
	}
	result.Summary = payload.Summary
	if payload.Sources != nil {
		result.Sources = payload.Sources
	}
	return result
}
