// Package extractor builds argument vectors for the two invocation modes of
// the external extraction tool. Flag spellings come from configuration so
// different tool versions can be targeted without code changes.
package extractor

import "github.com/iconidentify/vidgrabba/internal/config"

// Placeholders substituted as whole argv tokens.
const (
	PlaceholderURL    = "{url}"
	PlaceholderFormat = "{format}"
)

// Args holds the describe-mode and emit-mode templates.
type Args struct {
	info          []string
	stream        []string
	defaultFormat string
}

// NewArgs creates an Args from tool and stream configuration.
func NewArgs(tool config.ToolConfig, stream config.StreamConfig) *Args {
	defaultFormat := stream.DefaultFormat
	if defaultFormat == "" {
		defaultFormat = config.DefaultFormat
	}
	info := tool.InfoArgs
	if len(info) == 0 {
		info = config.DefaultInfoArgs()
	}
	streamArgs := tool.StreamArgs
	if len(streamArgs) == 0 {
		streamArgs = config.DefaultStreamArgs()
	}
	return &Args{
		info:          append([]string(nil), info...),
		stream:        append([]string(nil), streamArgs...),
		defaultFormat: defaultFormat,
	}
}

// Info returns the argv that asks the tool for a single JSON description of url.
func (a *Args) Info(url string) []string {
	return substitute(a.info, url, "")
}

// Stream returns the argv that makes the tool emit media for url on stdout.
// An empty format selects the configured default.
func (a *Args) Stream(url, format string) []string {
	if format == "" {
		format = a.defaultFormat
	}
	return substitute(a.stream, url, format)
}

// DefaultFormat returns the selector used when a request names none.
func (a *Args) DefaultFormat() string {
	return a.defaultFormat
}

// substitute never splits or joins tokens, so a URL or selector can't smuggle
// extra arguments into the argv.
func substitute(tmpl []string, url, format string) []string {
	out := make([]string, 0, len(tmpl))
	for _, tok := range tmpl {
		switch tok {
		case PlaceholderURL:
			out = append(out, url)
		case PlaceholderFormat:
			out = append(out, format)
		default:
			out = append(out, tok)
		}
	}
	return out
}
