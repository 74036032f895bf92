// Package mcptool exposes a relay as an MCP "code_run" tool.
package mcptool

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/michaelbrown/coderelay/internal/client"
	"github.com/michaelbrown/coderelay/internal/protocol"
)

const maxOutput = 4000

// RunFunc sends one program to a relay and copies its output to w.
type RunFunc func(ctx context.Context, addr string, msg protocol.Message, w io.Writer) error

// Tool forwards code_run calls to the relay at addr.
type Tool struct {
	addr     string
	language string
	run      RunFunc
}

// New returns a Tool that talks to the relay at addr. language is sent when
// the caller does not name one.
func New(addr, language string) *Tool {
	return &Tool{addr: addr, language: language, run: client.Run}
}

// NewServer builds an MCP server with the code_run tool registered.
func (t *Tool) NewServer(version string) *server.MCPServer {
	s := server.NewMCPServer("coderelay", version)
	s.AddTool(mcp.Tool{
		Name:        "code_run",
		Description: fmt.Sprintf("Run a program on the coderelay server at %s and return every line it printed on stdout and stderr.", t.addr),
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"code": map[string]any{
					"type":        "string",
					"description": "Source code to execute",
				},
				"language": map[string]any{
					"type":        "string",
					"description": fmt.Sprintf("Language tag sent with the program (default %s)", t.language),
				},
			},
			Required: []string{"code"},
		},
	}, t.HandleCodeRun)
	return s
}

// HandleCodeRun runs the code argument and returns the combined output.
// Relay failures come back as error results, not Go errors, so the calling
// model can see them.
func (t *Tool) HandleCodeRun(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, _ := request.Params.Arguments.(map[string]any)
	if args == nil {
		return errResult("error: invalid arguments"), nil
	}

	code, _ := args["code"].(string)
	if code == "" {
		return errResult("error: 'code' is required"), nil
	}
	language, _ := args["language"].(string)
	if language == "" {
		language = t.language
	}

	var out strings.Builder
	err := t.run(ctx, t.addr, protocol.Message{
		Kind:     protocol.KindExecution,
		Language: language,
		Code:     []byte(code),
	}, &out)

	text := out.String()
	if len(text) > maxOutput {
		text = text[:maxOutput] + "\n... (output truncated)"
	}
	if err != nil {
		if text != "" {
			text += "\n"
		}
		return errResult(text + fmt.Sprintf("error: %v", err)), nil
	}
	if text == "" {
		text = "(no output)"
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: text}},
	}, nil
}

func errResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: text}},
		IsError: true,
	}
}
