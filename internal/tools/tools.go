// Package tools is the closed table of operations an agent may call. Every call returns a
// Response; failures are reported as data, never as a Go error.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/BegaDeveloper/proofsh/internal/filestore"
	"github.com/BegaDeveloper/proofsh/internal/metrics"
	"github.com/BegaDeveloper/proofsh/internal/patch"
	"github.com/BegaDeveloper/proofsh/internal/scaffold"
	"github.com/BegaDeveloper/proofsh/internal/session"
	"github.com/BegaDeveloper/proofsh/internal/toolerr"
	"github.com/BegaDeveloper/proofsh/internal/verify"
)

type Name string

const (
	ReadFile      Name = "read_file"
	WriteFile     Name = "write_file"
	ProposePatch  Name = "propose_patch"
	InitRustCrate Name = "init_rust_crate"
	RunKani       Name = "run_kani"

	// applyTool names results of the human approval paths. It is not in the tool table.
	applyTool = "apply_patch"
)

// Response is the wire shape of every tool call.
type Response struct {
	OK             bool         `json:"ok"`
	Tool           string       `json:"tool"`
	Result         any          `json:"result,omitempty"`
	Kind           toolerr.Kind `json:"kind,omitempty"`
	Error          string       `json:"error,omitempty"`
	Path           string       `json:"path,omitempty"`
	AttemptedBytes int          `json:"attempted_bytes,omitempty"`
	MaxBytes       int          `json:"max_bytes,omitempty"`
	Stderr         string       `json:"stderr,omitempty"`
	Token          string       `json:"token,omitempty"`
}

// KaniResult is a verification attempt plus where it stands against the turn budget.
type KaniResult struct {
	verify.Attempt
	AttemptNumber int `json:"attempt"`
	MaxAttempts   int `json:"max_attempts"`
}

type Options struct {
	Files      *filestore.Store
	Patches    *patch.Pipeline
	Scaffolder *scaffold.Scaffolder
	Runner     *verify.Runner
	Metrics    *metrics.Registry
}

type Dispatcher struct {
	session    *session.Session
	files      *filestore.Store
	patches    *patch.Pipeline
	scaffolder *scaffold.Scaffolder
	runner     *verify.Runner
	metrics    *metrics.Registry
	handlers   map[Name]handler
}

type handler func(ctx context.Context, raw json.RawMessage) (any, error)

type readFileArgs struct {
	Path string `json:"path"`
}

type writeFileArgs struct {
	Path      string  `json:"path"`
	Content   *string `json:"content"`
	Overwrite bool    `json:"overwrite"`
}

type proposePatchArgs struct {
	Diff string `json:"diff"`
}

type initRustCrateArgs struct {
	ProjectDir string  `json:"project_dir"`
	CrateName  *string `json:"crate_name"`
	Lib        *bool   `json:"lib"`
}

type runKaniArgs struct {
	ProjectDir string   `json:"project_dir"`
	Args       []string `json:"args"`
}

func New(sess *session.Session, options Options) *Dispatcher {
	registry := options.Metrics
	if registry == nil {
		registry = metrics.NewRegistry()
	}
	dispatcher := &Dispatcher{
		session:    sess,
		files:      options.Files,
		patches:    options.Patches,
		scaffolder: options.Scaffolder,
		runner:     options.Runner,
		metrics:    registry,
	}
	dispatcher.handlers = map[Name]handler{
		ReadFile:      dispatcher.readFile,
		WriteFile:     dispatcher.writeFile,
		ProposePatch:  dispatcher.proposePatch,
		InitRustCrate: dispatcher.initRustCrate,
		RunKani:       dispatcher.runKani,
	}
	return dispatcher
}

// ParseName reports whether raw names a tool in the table.
func ParseName(raw string) (Name, bool) {
	name := Name(strings.TrimSpace(raw))
	switch name {
	case ReadFile, WriteFile, ProposePatch, InitRustCrate, RunKani:
		return name, true
	default:
		return "", false
	}
}

func (dispatcher *Dispatcher) Metrics() *metrics.Registry {
	return dispatcher.metrics
}

// Call runs the named tool with JSON arguments.
func (dispatcher *Dispatcher) Call(ctx context.Context, name string, rawArgs json.RawMessage) Response {
	toolName, ok := ParseName(name)
	if !ok {
		err := toolerr.New(toolerr.KindUnknownTool, "unknown tool: %s", name)
		dispatcher.metrics.RecordToolCall(name, string(err.Kind))
		return failure(name, err)
	}
	logger := logrus.WithField("tool", toolName)
	result, err := dispatcher.handlers[toolName](ctx, rawArgs)
	if err != nil {
		kind := toolerr.KindOf(err)
		dispatcher.metrics.RecordToolCall(string(toolName), string(kind))
		logger.WithField("kind", kind).WithError(err).Info("tool call failed")
		return failure(string(toolName), err)
	}
	dispatcher.metrics.RecordToolCall(string(toolName), "")
	logger.Debug("tool call succeeded")
	return Response{OK: true, Tool: string(toolName), Result: result}
}

// ApproveLastPatch commits the patch awaiting approval. Only human-driven entry points
// call it; no tool in the table reaches it.
func (dispatcher *Dispatcher) ApproveLastPatch(ctx context.Context) Response {
	result, err := dispatcher.patches.ApplyActive(ctx)
	return dispatcher.applyResponse(result, err)
}

// ApplyPatch commits a recorded patch by id. An empty run means the current one.
func (dispatcher *Dispatcher) ApplyPatch(ctx context.Context, run string, id int) Response {
	result, err := dispatcher.patches.ApplyRecord(ctx, run, id)
	return dispatcher.applyResponse(result, err)
}

func (dispatcher *Dispatcher) History(limit int) ([]patch.Record, error) {
	return dispatcher.patches.History(limit)
}

// Reset drops the pending patch and the turn budget.
func (dispatcher *Dispatcher) Reset() {
	dispatcher.session.Reset()
}

func (dispatcher *Dispatcher) BeginTurn() {
	dispatcher.session.BeginTurn()
}

func (dispatcher *Dispatcher) applyResponse(result patch.ApplyResult, err error) Response {
	if err != nil {
		kind := toolerr.KindOf(err)
		dispatcher.metrics.RecordToolCall(applyTool, string(kind))
		if kind == toolerr.KindNoOpApply || kind == toolerr.KindCommitFailed {
			if _, stillActive := dispatcher.session.ActivePatch(); !stillActive {
				dispatcher.metrics.RecordPatchTransition(string(session.PatchRejected))
			}
		}
		return failure(applyTool, err)
	}
	dispatcher.metrics.RecordToolCall(applyTool, "")
	dispatcher.metrics.RecordPatchTransition(string(session.PatchApplied))
	return Response{OK: true, Tool: applyTool, Result: result}
}

func (dispatcher *Dispatcher) readFile(_ context.Context, raw json.RawMessage) (any, error) {
	args := readFileArgs{}
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	if err := requireField("path", args.Path); err != nil {
		return nil, err
	}
	return dispatcher.files.Read(args.Path)
}

func (dispatcher *Dispatcher) writeFile(_ context.Context, raw json.RawMessage) (any, error) {
	args := writeFileArgs{}
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	if err := requireField("path", args.Path); err != nil {
		return nil, err
	}
	if args.Content == nil {
		return nil, toolerr.New(toolerr.KindInvalidArgument, "content is required")
	}
	return dispatcher.files.Write(args.Path, *args.Content, args.Overwrite)
}

func (dispatcher *Dispatcher) proposePatch(ctx context.Context, raw json.RawMessage) (any, error) {
	args := proposePatchArgs{}
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	if err := requireField("diff", args.Diff); err != nil {
		return nil, err
	}
	result, err := dispatcher.patches.Propose(ctx, args.Diff)
	if err != nil {
		if toolerr.Is(err, toolerr.KindPreviewFailed) {
			dispatcher.metrics.RecordPatchTransition(string(session.PatchRejected))
		}
		return nil, err
	}
	dispatcher.metrics.RecordPatchTransition(string(session.PatchProposed))
	return result, nil
}

func (dispatcher *Dispatcher) initRustCrate(_ context.Context, raw json.RawMessage) (any, error) {
	args := initRustCrateArgs{}
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	if err := requireField("project_dir", args.ProjectDir); err != nil {
		return nil, err
	}
	name := ""
	if args.CrateName != nil {
		name = *args.CrateName
	}
	library := true
	if args.Lib != nil {
		library = *args.Lib
	}
	return dispatcher.scaffolder.Ensure(args.ProjectDir, name, library)
}

func (dispatcher *Dispatcher) runKani(ctx context.Context, raw json.RawMessage) (any, error) {
	args := runKaniArgs{}
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	if err := requireField("project_dir", args.ProjectDir); err != nil {
		return nil, err
	}
	dispatcher.refillAfterApproval()
	if err := dispatcher.session.ConsumeAttempt(); err != nil {
		return nil, err
	}
	used, limit := dispatcher.session.Attempts()
	attempt, err := dispatcher.runner.Run(ctx, args.ProjectDir, args.Args)
	if err == nil || attempt.TimedOut {
		dispatcher.metrics.RecordVerification(attempt.Passed, attempt.TimedOut, attempt.Summary.ErrorType, attempt.Duration)
	}
	if err != nil {
		return nil, err
	}
	return KaniResult{Attempt: attempt, AttemptNumber: used, MaxAttempts: limit}, nil
}

// refillAfterApproval starts a new turn when a human approved a patch since the current
// one began, in this process or in another sharing the run root. MCP clients that never
// send proofsh/turn still get a fresh budget per approved change.
func (dispatcher *Dispatcher) refillAfterApproval() {
	approved, err := dispatcher.patches.AppliedSince(dispatcher.session.TurnStartedAt())
	if err != nil {
		logrus.WithError(err).Debug("read patch ledger for approvals failed")
		return
	}
	if approved {
		logrus.Debug("patch approved since the turn began; verification budget refilled")
		dispatcher.session.BeginTurn()
	}
}

// decodeArgs rejects unknown fields so a misspelled argument is reported rather than
// silently defaulted.
func decodeArgs(raw json.RawMessage, target any) error {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		trimmed = []byte("{}")
	}
	decoder := json.NewDecoder(bytes.NewReader(trimmed))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		return toolerr.Wrap(toolerr.KindInvalidArgument, err, "invalid arguments")
	}
	if _, err := decoder.Token(); !errors.Is(err, io.EOF) {
		return toolerr.New(toolerr.KindInvalidArgument, "invalid arguments: trailing data")
	}
	return nil
}

func requireField(field string, value string) error {
	if strings.TrimSpace(value) == "" {
		return toolerr.New(toolerr.KindInvalidArgument, "%s is required", field)
	}
	return nil
}

func failure(tool string, err error) Response {
	toolError := toolerr.As(err)
	return Response{
		OK:             false,
		Tool:           tool,
		Kind:           toolError.Kind,
		Error:          toolError.Error(),
		Path:           toolError.Path,
		AttemptedBytes: toolError.Attempted,
		MaxBytes:       toolError.Limit,
		Stderr:         toolError.Stderr,
		Token:          toolError.Token,
	}
}

// Names lists the tool table in a stable order.
func Names() []Name {
	names := []Name{ReadFile, WriteFile, ProposePatch, InitRustCrate, RunKani}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}
