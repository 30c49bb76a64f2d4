package agent

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sentiwiki/agent/internal/retrieval"
)

const routingPromptTemplate = `You route questions for an assistant covering the Copernicus Sentinel Earth observation missions.

Answer with exactly one word:
- RAG: the question needs Sentinel mission documentation (missions, instruments, products, processing levels, calibration, data access)
- DIRECT: greetings, small talk, or general questions unrelated to the Sentinel missions

%sQuestion: %s

One word (RAG or DIRECT):`

const decomposePromptTemplate = `Break the question into independent search queries if it compares or combines several topics. A simple question stays as a single query.

Examples:
Question: Compare the revisit times of Sentinel-1 and Sentinel-2
["Sentinel-1 revisit time", "Sentinel-2 revisit time"]
Question: What is the swath width of OLCI?
["What is the swath width of OLCI?"]

Output only a JSON array of strings.

Question: %s
`

const gradePromptTemplate = `Judge whether the documents contain enough information to answer the question.

Question: %s

Documents:
%s
Answer with exactly one word, yes or no:`

const rewritePromptTemplate = `The search below returned weakly matching documents. Rewrite the question into a better search query: expand abbreviations, name the mission or instrument explicitly, and drop filler words. Output only the rewritten query.

Question: %s

Best matches so far:
%s`

const directSystemPrompt = `You are a friendly assistant for the Copernicus Sentinel missions documentation service. Answer briefly. If the question actually concerns Sentinel missions, suggest asking it as a documentation question.`

const ragSystemPromptHeader = `You answer questions about the Copernicus Sentinel Earth observation missions using only the context documents below. Cite documents as [Doc N]. If the context does not cover the question, say so instead of guessing.`

// insufficientEvidenceAnswer is streamed verbatim when retrieval could not
// produce evidence the grader accepts. Citations are suppressed with it.
const insufficientEvidenceAnswer = `I could not find enough supporting information in the Sentinel mission documentation to answer this confidently. Try rephrasing the question, or name the mission, instrument or product level explicitly.`

// ragKeywords trigger the retrieval route when the router model is
// unavailable and routing falls back to vocabulary matching.
var ragKeywords = []string{
	"sentinel", "copernicus", "esa", "mission", "satellite", "orbit",
	"instrument", "sar", "olci", "slstr", "msi", "sral", "mwr", "tropomi",
	"radiometric", "calibration", "swath", "revisit", "product", "processing level",
	"acquisition", "ground segment", "altimetry", "radar", "spectral",
}

func buildRoutingPrompt(query, history string) string {
	historyBlock := ""
	if history != "" {
		historyBlock = "Recent conversation:\n" + history + "\n"
	}
	return fmt.Sprintf(routingPromptTemplate, historyBlock, query)
}

func buildDecomposePrompt(query string) string {
	return fmt.Sprintf(decomposePromptTemplate, query)
}

func buildGradePrompt(query string, candidates []retrieval.Candidate, topN int) string {
	if topN > len(candidates) {
		topN = len(candidates)
	}
	var sb strings.Builder
	for i := 0; i < topN; i++ {
		sb.WriteString(fmt.Sprintf("[Doc %d] %s\n%s\n\n", i+1, candidates[i].Title, truncate(candidates[i].Content, 400)))
	}
	return fmt.Sprintf(gradePromptTemplate, query, sb.String())
}

func buildRewritePrompt(query string, candidates []retrieval.Candidate) string {
	var sb strings.Builder
	n := len(candidates)
	if n > 3 {
		n = 3
	}
	for i := 0; i < n; i++ {
		sb.WriteString(fmt.Sprintf("- %s: %s\n", candidates[i].Title, truncate(candidates[i].Content, 150)))
	}
	if n == 0 {
		sb.WriteString("(no matches)\n")
	}
	return fmt.Sprintf(rewritePromptTemplate, query, sb.String())
}

// buildRAGPrompt assembles the generation prompt from the accepted candidates
func buildRAGPrompt(query string, candidates []retrieval.Candidate, history string) string {
	var sb strings.Builder

	sb.WriteString("## Context Documents\n\n")
	for i, c := range candidates {
		sb.WriteString(fmt.Sprintf("[Doc %d]", i+1))
		if c.Title != "" {
			sb.WriteString(fmt.Sprintf(" (Title: %s)", c.Title))
		}
		if len(c.HeadingPath) > 0 {
			sb.WriteString(fmt.Sprintf(" (Section: %s)", retrieval.JoinHeadingPath(c.HeadingPath)))
		}
		sb.WriteString("\n")
		sb.WriteString(c.Content)
		sb.WriteString("\n\n")
	}

	if history != "" {
		sb.WriteString("## Conversation So Far\n\n")
		sb.WriteString(history)
		sb.WriteString("\n")
	}

	sb.WriteString("## Question\n\n")
	sb.WriteString(query)

	return sb.String()
}

// parseRoute interprets the router model's one-word verdict. Anything
// unrecognized defaults to the retrieval route.
func parseRoute(response string) Route {
	normalized := strings.ToLower(strings.TrimSpace(response))
	if strings.Contains(normalized, "direct") {
		return RouteDirect
	}
	return RouteRAG
}

// fallbackRoute routes by vocabulary when the router model is unavailable
func fallbackRoute(query string) Route {
	lower := strings.ToLower(query)
	for _, kw := range ragKeywords {
		if strings.Contains(lower, kw) {
			return RouteRAG
		}
	}
	return RouteDirect
}

// parseSubQueries extracts a JSON string array from model output, tolerating
// markdown fences and surrounding prose. It returns nil unless decomposition
// produced at least two usable sub-queries.
func parseSubQueries(response string) []string {
	text := strings.TrimSpace(response)

	start := strings.Index(text, "[")
	end := strings.LastIndex(text, "]")
	if start < 0 || end <= start {
		return nil
	}

	var queries []string
	if err := json.Unmarshal([]byte(text[start:end+1]), &queries); err != nil {
		return nil
	}

	out := queries[:0]
	for _, q := range queries {
		q = strings.TrimSpace(q)
		if q != "" {
			out = append(out, q)
		}
	}
	if len(out) < 2 {
		return nil
	}
	if len(out) > 4 {
		out = out[:4]
	}
	return out
}

// parseGrade reads the grader's yes/no verdict, failing closed
func parseGrade(response string) Grade {
	normalized := strings.ToLower(strings.TrimSpace(response))
	normalized = strings.Trim(normalized, ".!\"' ")
	if normalized == "yes" || strings.HasPrefix(normalized, "yes") {
		return GradeSufficient
	}
	return GradeInsufficient
}

// cleanRewrittenQuery strips the framing models wrap rewrites in. An empty
// return means the rewrite is unusable.
func cleanRewrittenQuery(response, original string) string {
	q := strings.TrimSpace(response)
	if idx := strings.IndexByte(q, '\n'); idx >= 0 {
		q = q[:idx]
	}
	for _, prefix := range []string{"rewritten query:", "rewritten:", "query:", "search query:"} {
		if len(q) >= len(prefix) && strings.EqualFold(q[:len(prefix)], prefix) {
			q = strings.TrimSpace(q[len(prefix):])
		}
	}
	q = strings.Trim(q, "\"'")
	if len(q) < 3 || strings.EqualFold(q, original) {
		return ""
	}
	return q
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
