package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"google.golang.org/genai"

	"github.com/urja-ai/voicedesk/pkg/gateway/live/registry"
)

const defaultGeminiModel = "gemini-2.0-flash"

// systemPrompt asks the model for a parseable header before the spoken text.
// The bracketed TOOL/SENTIMENT lines are stripped before the reply reaches
// the user.
const systemPrompt = `You are a customer support voice assistant. Answer briefly and conversationally.
Start every reply with exactly two header lines:
[TOOL: {"name": "...", "args": {...}} | null]
[SENTIMENT: 0.0-1.0]
The SENTIMENT value estimates the customer's current mood (1.0 happy, 0.0 angry).
Available tools: escalate_to_agent({"reason": string}), end_call({"reason": "user_requested"|"issue_resolved"}).
After the header lines, write only the words to speak.`

const historyWindow = 10 // last 5 exchanges

var (
	toolPattern      = regexp.MustCompile(`(?is)\[TOOL:\s*({.*?}|null)\]`)
	sentimentPattern = regexp.MustCompile(`(?i)\[SENTIMENT:\s*([0-9.]+)\]`)
)

// Gemini is the Generation adapter backed by the Gemini API.
type Gemini struct {
	client *genai.Client
	model  string
}

func NewGemini(ctx context.Context, apiKey, model string) (*Gemini, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("init gemini client: %w", err)
	}
	if strings.TrimSpace(model) == "" {
		model = defaultGeminiModel
	}
	return &Gemini{client: client, model: model}, nil
}

func (g *Gemini) Generate(ctx context.Context, sessionID, input string, history []registry.Turn) (Reply, error) {
	contents := contentsFromHistory(history)
	contents = append(contents, genai.NewContentFromText(input, genai.RoleUser))

	resp, err := g.client.Models.GenerateContent(ctx, g.model, contents, &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(systemPrompt, genai.RoleUser),
		Temperature:       genai.Ptr[float32](0.3),
		MaxOutputTokens:   256,
	})
	if err != nil {
		return Reply{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	raw := resp.Text()
	if strings.TrimSpace(raw) == "" {
		return Reply{}, fmt.Errorf("%w: empty completion", ErrUnavailable)
	}
	return parseReply(raw), nil
}

func contentsFromHistory(history []registry.Turn) []*genai.Content {
	if len(history) > historyWindow {
		history = history[len(history)-historyWindow:]
	}
	contents := make([]*genai.Content, 0, len(history))
	for _, turn := range history {
		switch turn.Sender {
		case registry.SenderUser:
			contents = append(contents, genai.NewContentFromText(turn.Text, genai.RoleUser))
		case registry.SenderBot:
			contents = append(contents, genai.NewContentFromText(turn.Text, genai.RoleModel))
		}
	}
	return contents
}

// parseReply extracts the TOOL and SENTIMENT headers and returns the remaining
// text as the spoken reply. A malformed header degrades to neutral sentiment
// and no tool; the reply text still goes out.
func parseReply(raw string) Reply {
	reply := Reply{Text: raw, Sentiment: 0.7}

	if m := toolPattern.FindStringSubmatch(raw); m != nil {
		if body := strings.TrimSpace(m[1]); !strings.EqualFold(body, "null") {
			var call ToolCall
			if err := json.Unmarshal([]byte(body), &call); err == nil && call.Name != "" {
				reply.ToolCall = &call
			}
		}
		reply.Text = strings.Replace(reply.Text, m[0], "", 1)
	}
	if m := sentimentPattern.FindStringSubmatch(reply.Text); m != nil {
		if v, err := strconv.ParseFloat(m[1], 64); err == nil && v >= 0 && v <= 1 {
			reply.Sentiment = v
		}
		reply.Text = strings.Replace(reply.Text, m[0], "", 1)
	}

	reply.Text = strings.TrimSpace(reply.Text)
	return reply
}
