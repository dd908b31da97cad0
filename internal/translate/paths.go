// Package translate recognises the gateway's supported inbound paths and
// implements the Responses-via-Chat-Completions shim and MCP tool-loop
// entry points described in spec.md §4.7.
package translate

import "strings"

// Path identifies one recognised canonical or alt-protocol inbound route.
type Path int

const (
	PathUnknown Path = iota
	PathChatCompletions
	PathCompletions
	PathResponses
	PathResponsesCompact
	PathEmbeddings
	PathModerations
	PathRerank
	PathImagesGenerations
	PathAudioSpeech
	PathAudioTranscriptions
	PathAudioTranslations
	PathBatches
	PathFiles
	PathModels
	PathAnthropicMessages
	PathGoogleGenerateContent
	PathCloudcodeGenerateContent
	PathMCP
)

// Recognise classifies an inbound request path, tolerating a trailing
// slash, per spec.md §4.7.
func Recognise(path string) Path {
	p := strings.TrimSuffix(path, "/")
	switch {
	case p == "/v1/chat/completions":
		return PathChatCompletions
	case p == "/v1/completions":
		return PathCompletions
	case p == "/v1/responses/compact":
		return PathResponsesCompact
	case p == "/v1/responses":
		return PathResponses
	case p == "/v1/embeddings":
		return PathEmbeddings
	case p == "/v1/moderations":
		return PathModerations
	case p == "/v1/rerank":
		return PathRerank
	case p == "/v1/images/generations":
		return PathImagesGenerations
	case p == "/v1/audio/speech":
		return PathAudioSpeech
	case p == "/v1/audio/transcriptions":
		return PathAudioTranscriptions
	case p == "/v1/audio/translations":
		return PathAudioTranslations
	case strings.HasPrefix(p, "/v1/batches"):
		return PathBatches
	case strings.HasPrefix(p, "/v1/files"):
		return PathFiles
	case strings.HasPrefix(p, "/v1/models"):
		return PathModels
	case p == "/v1/messages" || p == "/v1/messages/count_tokens":
		return PathAnthropicMessages
	case strings.HasPrefix(p, "/v1beta/models/") && strings.Contains(p, ":generateContent"):
		return PathGoogleGenerateContent
	case p == "/v1internal:generateContent":
		return PathCloudcodeGenerateContent
	case p == "/mcp":
		return PathMCP
	default:
		return PathUnknown
	}
}

// Streaming reports whether a path's response can be an SSE stream for the
// given parsed "stream" request flag (the alt-protocol paths always permit
// streaming when requested; the capability-only paths never do).
func (p Path) Streaming(streamFlag bool) bool {
	switch p {
	case PathChatCompletions, PathCompletions, PathResponses, PathResponsesCompact, PathAnthropicMessages,
		PathGoogleGenerateContent, PathCloudcodeGenerateContent:
		return streamFlag
	default:
		return false
	}
}
