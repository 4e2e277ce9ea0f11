// Package mcpserver exposes the tool table over JSON-RPC on stdio. Agents reach the
// tools through tools/call; the proofsh/* methods belong to the host that relays the
// human's decisions and are never listed as tools.
package mcpserver

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/BegaDeveloper/proofsh/internal/metrics"
	"github.com/BegaDeveloper/proofsh/internal/tools"
)

const (
	defaultProtocolVersion = "2024-11-05"
	serverName             = "proofsh-mcp"
	// MaxFrameBytes bounds a Content-Length frame; larger frames end the session.
	MaxFrameBytes = 8 << 20
)

// Dispatcher is the part of tools.Dispatcher the server drives.
type Dispatcher interface {
	Call(ctx context.Context, name string, rawArgs json.RawMessage) tools.Response
	ApproveLastPatch(ctx context.Context) tools.Response
	ApplyPatch(ctx context.Context, run string, id int) tools.Response
	Reset()
	BeginTurn()
	Metrics() *metrics.Registry
}

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      any       `json:"id,omitempty"`
	Result  any       `json:"result,omitempty"`
	Error   *rpcError `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type toolCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

type initializeParams struct {
	ProtocolVersion string `json:"protocolVersion"`
}

type approveParams struct {
	Run string `json:"run"`
	ID  *int   `json:"id"`
}

type Server struct {
	reader      *bufio.Reader
	writer      *bufio.Writer
	writeMutex  sync.Mutex
	dispatcher  Dispatcher
	version     string
	initialized bool
	useLineJSON bool
}

func New(input io.Reader, output io.Writer, dispatcher Dispatcher, version string) *Server {
	if strings.TrimSpace(version) == "" {
		version = "dev"
	}
	return &Server{
		reader:     bufio.NewReader(input),
		writer:     bufio.NewWriter(output),
		dispatcher: dispatcher,
		version:    version,
	}
}

// Run serves on stdin and stdout until the client disconnects.
func Run(ctx context.Context, dispatcher Dispatcher, version string) error {
	return New(os.Stdin, os.Stdout, dispatcher, version).Serve(ctx)
}

func (server *Server) Serve(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		requestBytes, isLineJSON, err := readRPCMessage(server.reader)
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		server.useLineJSON = isLineJSON
		request := rpcRequest{}
		if err := json.Unmarshal(requestBytes, &request); err != nil {
			_ = server.writeResponse(rpcResponse{
				JSONRPC: "2.0",
				Error:   &rpcError{Code: -32700, Message: "parse error"},
			})
			continue
		}
		if request.Method == "" {
			continue
		}
		if request.Method == "notifications/initialized" {
			server.initialized = true
			continue
		}
		if request.Method == "exit" {
			return nil
		}
		response := server.handleRequest(ctx, request)
		if len(request.ID) == 0 {
			continue
		}
		if err := server.writeResponse(response); err != nil {
			return err
		}
	}
}

func (server *Server) handleRequest(ctx context.Context, request rpcRequest) rpcResponse {
	response := rpcResponse{
		JSONRPC: "2.0",
		ID:      decodeID(request.ID),
	}
	logger := logrus.WithField("method", request.Method)

	switch request.Method {
	case "initialize":
		requestedProtocolVersion := defaultProtocolVersion
		initParams := initializeParams{}
		if err := json.Unmarshal(request.Params, &initParams); err == nil {
			if strings.TrimSpace(initParams.ProtocolVersion) != "" {
				requestedProtocolVersion = strings.TrimSpace(initParams.ProtocolVersion)
			}
		}
		response.Result = map[string]any{
			"protocolVersion": requestedProtocolVersion,
			"capabilities": map[string]any{
				"tools": map[string]any{
					"listChanged": false,
				},
			},
			"serverInfo": map[string]string{
				"name":    serverName,
				"version": server.version,
			},
		}
		return response
	case "ping":
		response.Result = map[string]any{}
		return response
	case "tools/list":
		response.Result = map[string]any{
			"tools": tools.Definitions(),
		}
		return response
	case "tools/call":
		params := toolCallParams{}
		if err := json.Unmarshal(request.Params, &params); err != nil || strings.TrimSpace(params.Name) == "" {
			response.Error = &rpcError{Code: -32602, Message: "invalid tool call params"}
			return response
		}
		logger.WithField("tool", params.Name).Debug("tool call")
		response.Result = toolResult(server.dispatcher.Call(ctx, params.Name, params.Arguments))
		return response
	case "proofsh/approve":
		params := approveParams{}
		if len(bytes.TrimSpace(request.Params)) > 0 {
			if err := json.Unmarshal(request.Params, &params); err != nil {
				response.Error = &rpcError{Code: -32602, Message: "invalid approve params"}
				return response
			}
		}
		if params.ID != nil {
			response.Result = server.dispatcher.ApplyPatch(ctx, strings.TrimSpace(params.Run), *params.ID)
		} else {
			response.Result = server.dispatcher.ApproveLastPatch(ctx)
		}
		return response
	case "proofsh/reset":
		server.dispatcher.Reset()
		response.Result = map[string]any{"reset": true}
		return response
	case "proofsh/turn":
		server.dispatcher.BeginTurn()
		response.Result = map[string]any{"turn": "started"}
		return response
	case "proofsh/metrics":
		registry := server.dispatcher.Metrics()
		response.Result = map[string]any{
			"snapshot":   registry.Snapshot(),
			"prometheus": registry.RenderPrometheus(),
		}
		return response
	default:
		response.Error = &rpcError{Code: -32601, Message: "method not found"}
		return response
	}
}

func toolResult(toolResponse tools.Response) map[string]any {
	resultJSON, err := json.Marshal(toolResponse)
	if err != nil {
		resultJSON = []byte(fmt.Sprintf(`{"ok":false,"tool":%q,"kind":"internal","error":"encode result failed"}`, toolResponse.Tool))
	}
	return map[string]any{
		"content": []map[string]string{
			{"type": "text", "text": string(resultJSON)},
		},
		"structuredContent": toolResponse,
		"isError":           !toolResponse.OK,
	}
}

func readRPCMessage(reader *bufio.Reader) ([]byte, bool, error) {
	// Clients differ: some send newline-delimited JSON, others Content-Length framing.
	for {
		peeked, err := reader.Peek(1)
		if err != nil {
			return nil, false, err
		}
		if len(peeked) == 0 {
			return nil, false, io.EOF
		}
		switch peeked[0] {
		case ' ', '\t', '\r', '\n':
			if _, err := reader.ReadByte(); err != nil {
				return nil, false, err
			}
			continue
		case '{', '[':
			line, err := reader.ReadBytes('\n')
			if err != nil {
				if err == io.EOF {
					trimmed := bytes.TrimSpace(line)
					if len(trimmed) > 0 {
						return trimmed, true, nil
					}
				}
				return nil, false, err
			}
			trimmed := bytes.TrimSpace(line)
			if len(trimmed) == 0 {
				continue
			}
			return trimmed, true, nil
		default:
			payload, readErr := readFramedMessage(reader)
			return payload, false, readErr
		}
	}
}

func readFramedMessage(reader *bufio.Reader) ([]byte, error) {
	contentLength := -1
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return nil, err
		}
		trimmed := strings.TrimRight(line, "\r\n")
		if trimmed == "" {
			break
		}
		lower := strings.ToLower(trimmed)
		if strings.HasPrefix(lower, "content-length:") {
			rawLength := strings.TrimSpace(trimmed[len("content-length:"):])
			parsedLength, parseErr := strconv.Atoi(rawLength)
			if parseErr != nil {
				return nil, parseErr
			}
			if parsedLength > MaxFrameBytes {
				return nil, fmt.Errorf("frame of %d bytes exceeds the %d byte limit", parsedLength, MaxFrameBytes)
			}
			contentLength = parsedLength
		}
	}
	if contentLength < 0 {
		return nil, fmt.Errorf("missing Content-Length header")
	}
	payload := make([]byte, contentLength)
	if _, err := io.ReadFull(reader, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

func (server *Server) writeResponse(response rpcResponse) error {
	payload, err := json.Marshal(response)
	if err != nil {
		return err
	}
	server.writeMutex.Lock()
	defer server.writeMutex.Unlock()
	if server.useLineJSON {
		if _, err := server.writer.Write(payload); err != nil {
			return err
		}
		if err := server.writer.WriteByte('\n'); err != nil {
			return err
		}
		return server.writer.Flush()
	}
	if _, err := fmt.Fprintf(server.writer, "Content-Length: %d\r\n\r\n", len(payload)); err != nil {
		return err
	}
	if _, err := server.writer.Write(payload); err != nil {
		return err
	}
	return server.writer.Flush()
}

func decodeID(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	var integerID int64
	if err := json.Unmarshal(raw, &integerID); err == nil {
		return integerID
	}
	var stringID string
	if err := json.Unmarshal(raw, &stringID); err == nil {
		return stringID
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err == nil {
		return generic
	}
	return nil
}
