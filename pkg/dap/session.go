// Package dap implements the length-prefixed JSON message loop that
// mediates between an IDE front-end and the Backend: reading
// Content-Length-framed DAP requests from a reader, dispatching them, and
// writing framed DAP responses/events to a writer.
//
// Requests are decoded into a minimal local envelope rather than through
// go-dap's command-keyed registry, so an unrecognized command reaches
// dispatch and gets the "Unknown command: <name>" failure response the
// session is required to produce, rather than failing at decode time.
// Outbound responses and events are built from go-dap's generated
// per-command types (dap.InitializeResponse, dap.SetBreakpointsResponse,
// dap.ThreadsResponse, dap.StackTraceResponse, dap.ScopesResponse,
// dap.VariablesResponse, dap.ContinueResponse, dap.StoppedEvent, and so
// on) — the base dap.Response/dap.Event carry no Body field of their own,
// exactly as other_examples/bb68cae2_docker-buildx__dap-thread.go.go shows
// (it builds a concrete dap.StoppedEvent{Event: ..., Body: ...} rather
// than setting Body on a bare dap.Event) — and written with
// dap.WriteProtocolMessage, which already implements the exact
// Content-Length framing this layer's wire contract requires.
package dap

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/google/go-dap"
	"github.com/sirupsen/logrus"

	"github.com/go-delve/lldbdap/pkg/backend"
)

// envelope is the one part of every inbound DAP payload this layer needs
// before it knows which concrete argument shape to decode.
type envelope struct {
	Seq       int             `json:"seq"`
	Type      string          `json:"type"`
	Command   string          `json:"command"`
	Arguments json.RawMessage `json:"arguments"`
}

// Session owns the outbound sequence counter, the initialized flag, and
// the Backend, and drives the read-dispatch-write loop over one pair of
// byte streams. It is strictly single-threaded: one reader, one writer,
// no worker goroutines (see the concurrency model).
type Session struct {
	backend *backend.Backend

	r io.Reader
	w io.Writer

	// defaultPort backs a launch/attach whose arguments omit
	// debugserverPort, sourced from the resolved ambient config (spec §6
	// YAML "debugserverPort" / --port flag).
	defaultPort int

	nextSeq     int
	initialized bool

	log *logrus.Entry
}

// New builds a Session over an already-constructed Backend, reading
// framed DAP requests from r and writing framed responses/events to w.
// defaultPort, if non-zero, backs a launch/attach request whose arguments
// omit debugserverPort.
func New(be *backend.Backend, r io.Reader, w io.Writer, defaultPort int) *Session {
	return &Session{
		backend:     be,
		r:           r,
		w:           w,
		defaultPort: defaultPort,
		nextSeq:     1,
		log:         logrus.WithField("component", "dap"),
	}
}

// Run reads and dispatches requests until EOF (clean shutdown, returns
// nil) or until a disconnect request completes (also returns nil). A
// framing or I/O error returns non-nil and ends the loop; the caller is
// expected to treat that as a fatal startup/transport failure.
func (s *Session) Run() error {
	br := bufio.NewReader(s.r)
	for {
		raw, err := readMessage(br)
		if err == io.EOF {
			s.log.Debug("stdin closed, shutting down")
			return nil
		}
		if err != nil {
			return err
		}

		var env envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			s.log.WithError(err).Warn("malformed DAP message, ignoring")
			continue
		}
		if env.Type != "request" {
			continue
		}

		done, err := s.dispatch(env)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
}

// readMessage reads one Content-Length-framed message: a header block
// (terminated by a blank line, other headers ignored) followed by exactly
// the declared number of body bytes. EOF before any header bytes is
// reported as io.EOF (clean shutdown); EOF partway through the header
// block is a framing error.
func readMessage(r *bufio.Reader) (json.RawMessage, error) {
	contentLength := -1
	sawHeaderByte := false

	for {
		line, err := r.ReadString('\n')
		if err != nil {
			if err == io.EOF && !sawHeaderByte && line == "" {
				return nil, io.EOF
			}
			return nil, fmt.Errorf("dap: EOF/error reading header: %w", err)
		}
		sawHeaderByte = true
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}
		if name, val, ok := strings.Cut(line, ":"); ok && strings.EqualFold(strings.TrimSpace(name), "Content-Length") {
			n, err := strconv.Atoi(strings.TrimSpace(val))
			if err != nil {
				return nil, fmt.Errorf("dap: bad Content-Length %q: %w", val, err)
			}
			contentLength = n
		}
	}
	if contentLength < 0 {
		return nil, fmt.Errorf("dap: message with no Content-Length header")
	}

	body := make([]byte, contentLength)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("dap: short body (want %d bytes): %w", contentLength, err)
	}
	return body, nil
}

func (s *Session) allocSeq() int {
	seq := s.nextSeq
	s.nextSeq++
	return seq
}

func (s *Session) write(m dap.Message) error {
	return dap.WriteProtocolMessage(s.w, m)
}

// baseResponse builds the common Response envelope every successful
// per-command response embeds.
func (s *Session) baseResponse(requestSeq int, command string) dap.Response {
	return dap.Response{
		ProtocolMessage: dap.ProtocolMessage{Seq: s.allocSeq(), Type: "response"},
		RequestSeq:      requestSeq,
		Success:         true,
		Command:         command,
	}
}

// baseEvent builds the common Event envelope every event embeds.
func (s *Session) baseEvent(event string) dap.Event {
	return dap.Event{
		ProtocolMessage: dap.ProtocolMessage{Seq: s.allocSeq(), Type: "event"},
		Event:           event,
	}
}

// respondFail writes a bare failure Response: no command-specific Body is
// ever carried on a failed request, so the base type is all it takes.
func (s *Session) respondFail(requestSeq int, command, message string) error {
	return s.write(&dap.Response{
		ProtocolMessage: dap.ProtocolMessage{Seq: s.allocSeq(), Type: "response"},
		RequestSeq:      requestSeq,
		Success:         false,
		Command:         command,
		Message:         message,
	})
}

// dispatch handles one request envelope. The returned bool is true only
// once the loop should stop (after a successful disconnect); err is
// non-nil only for a fatal write/I-O failure, never for a request-level
// failure, which is instead surfaced as a failure response.
func (s *Session) dispatch(env envelope) (bool, error) {
	switch env.Command {
	case "initialize":
		return false, s.handleInitialize(env)
	case "launch":
		return false, s.handleLaunch(env)
	case "attach":
		return false, s.handleAttach(env)
	case "setBreakpoints":
		return false, s.handleSetBreakpoints(env)
	case "configurationDone":
		return false, s.write(&dap.ConfigurationDoneResponse{Response: s.baseResponse(env.Seq, env.Command)})
	case "threads":
		return false, s.handleThreads(env)
	case "stackTrace":
		return false, s.handleStackTrace(env)
	case "scopes":
		return false, s.handleScopes(env)
	case "variables":
		return false, s.handleVariables(env)
	case "continue":
		return false, s.handleContinue(env)
	case "next":
		return false, s.handleStep(env, s.backend.StepOver, func(r dap.Response) dap.Message { return &dap.NextResponse{Response: r} })
	case "stepIn":
		return false, s.handleStep(env, s.backend.StepIn, func(r dap.Response) dap.Message { return &dap.StepInResponse{Response: r} })
	case "disconnect":
		return s.handleDisconnect(env)
	default:
		return false, s.respondFail(env.Seq, env.Command, fmt.Sprintf("Unknown command: %s", env.Command))
	}
}

func (s *Session) handleInitialize(env envelope) error {
	s.initialized = true
	resp := &dap.InitializeResponse{
		Response: s.baseResponse(env.Seq, env.Command),
		Body:     dap.Capabilities{SupportsConfigurationDoneRequest: true},
	}
	if err := s.write(resp); err != nil {
		return err
	}
	return s.write(&dap.InitializedEvent{Event: s.baseEvent("initialized")})
}

type launchArgs struct {
	Program         string `json:"program"`
	Cwd             string `json:"cwd"`
	DebugserverPort int    `json:"debugserverPort"`
	Args            string `json:"args"`
}

// launchResponseBody is the launch/attach response body spec §4.5
// describes ({program, cwd, debugserverPort}, plus the SPEC_FULL argv
// addition). Neither dap.LaunchResponse nor dap.AttachResponse carry a
// typed Body of their own (the base DAP protocol's launch/attach response
// bodies are empty), so the command-specific body is added by embedding
// the named go-dap response type and adding the field locally, rather
// than inventing an untyped one.
type launchResponseBody struct {
	Program         string   `json:"program"`
	Cwd             string   `json:"cwd"`
	DebugserverPort int      `json:"debugserverPort"`
	Argv            []string `json:"argv,omitempty"`
}

type launchResponse struct {
	dap.LaunchResponse
	Body launchResponseBody `json:"body"`
}

type attachResponse struct {
	dap.AttachResponse
	Body launchResponseBody `json:"body"`
}

func (s *Session) handleLaunch(env envelope) error {
	return s.launchOrAttach(env, s.backend.Launch, func(r dap.Response, body launchResponseBody) dap.Message {
		return &launchResponse{LaunchResponse: dap.LaunchResponse{Response: r}, Body: body}
	})
}

func (s *Session) handleAttach(env envelope) error {
	return s.launchOrAttach(env, s.backend.Attach, func(r dap.Response, body launchResponseBody) dap.Message {
		return &attachResponse{AttachResponse: dap.AttachResponse{Response: r}, Body: body}
	})
}

func (s *Session) launchOrAttach(
	env envelope,
	op func(backend.LaunchArguments) (*backend.LaunchResult, error),
	build func(dap.Response, launchResponseBody) dap.Message,
) error {
	var args launchArgs
	if len(env.Arguments) > 0 {
		if err := json.Unmarshal(env.Arguments, &args); err != nil {
			return s.respondFail(env.Seq, env.Command, fmt.Sprintf("parse arguments: %s", err))
		}
	}
	if args.DebugserverPort == 0 {
		args.DebugserverPort = s.defaultPort
	}

	result, err := op(backend.LaunchArguments{
		Program:         args.Program,
		Cwd:             args.Cwd,
		DebugserverPort: args.DebugserverPort,
		Args:            args.Args,
	})
	if err != nil {
		return s.respondFail(env.Seq, env.Command, err.Error())
	}
	return s.write(build(s.baseResponse(env.Seq, env.Command), launchResponseBody{
		Program:         result.Program,
		Cwd:             result.Cwd,
		DebugserverPort: result.DebugserverPort,
		Argv:            result.Argv,
	}))
}

type setBreakpointsArgs struct {
	Source struct {
		Path string `json:"path"`
	} `json:"source"`
	Breakpoints []struct {
		Line int `json:"line"`
	} `json:"breakpoints"`
}

func (s *Session) handleSetBreakpoints(env envelope) error {
	var args setBreakpointsArgs
	if err := json.Unmarshal(env.Arguments, &args); err != nil {
		return s.respondFail(env.Seq, env.Command, fmt.Sprintf("parse arguments: %s", err))
	}
	if args.Source.Path == "" {
		return s.respondFail(env.Seq, env.Command, "missing source.path")
	}

	lines := make([]int, len(args.Breakpoints))
	for i, bp := range args.Breakpoints {
		lines[i] = bp.Line
	}

	results := s.backend.UpdateBreakpoints(args.Source.Path, lines)
	out := make([]dap.Breakpoint, len(results))
	for i, r := range results {
		out[i] = dap.Breakpoint{Verified: r.Verified, Line: r.Line}
	}
	return s.write(&dap.SetBreakpointsResponse{
		Response: s.baseResponse(env.Seq, env.Command),
		Body:     dap.SetBreakpointsResponseBody{Breakpoints: out},
	})
}

func (s *Session) handleThreads(env envelope) error {
	threads := s.backend.Threads()
	out := make([]dap.Thread, len(threads))
	for i, t := range threads {
		out[i] = dap.Thread{Id: t.ID, Name: t.Name}
	}
	return s.write(&dap.ThreadsResponse{
		Response: s.baseResponse(env.Seq, env.Command),
		Body:     dap.ThreadsResponseBody{Threads: out},
	})
}

type threadIDArgs struct {
	ThreadID int `json:"threadId"`
}

func (s *Session) handleStackTrace(env envelope) error {
	var args threadIDArgs
	if len(env.Arguments) > 0 {
		if err := json.Unmarshal(env.Arguments, &args); err != nil {
			return s.respondFail(env.Seq, env.Command, fmt.Sprintf("parse arguments: %s", err))
		}
	}

	frames := s.backend.StackTrace(args.ThreadID)
	out := make([]dap.StackFrame, len(frames))
	for i, f := range frames {
		out[i] = dap.StackFrame{
			Id:   f.ID,
			Name: f.Name,
			Source: &dap.Source{
				Name: f.SourceName,
				Path: f.SourcePath,
			},
			Line:             f.Line,
			Column:           f.Column,
			PresentationHint: f.PresentationHint,
		}
	}
	return s.write(&dap.StackTraceResponse{
		Response: s.baseResponse(env.Seq, env.Command),
		Body: dap.StackTraceResponseBody{
			StackFrames: out,
			TotalFrames: 2,
		},
	})
}

func (s *Session) handleScopes(env envelope) error {
	scopes := s.backend.Scopes()
	out := make([]dap.Scope, len(scopes))
	for i, sc := range scopes {
		out[i] = dap.Scope{Name: sc.Name, VariablesReference: sc.VariablesReference}
	}
	return s.write(&dap.ScopesResponse{
		Response: s.baseResponse(env.Seq, env.Command),
		Body:     dap.ScopesResponseBody{Scopes: out},
	})
}

type variablesArgs struct {
	VariablesReference int `json:"variablesReference"`
}

func (s *Session) handleVariables(env envelope) error {
	var args variablesArgs
	if len(env.Arguments) > 0 {
		if err := json.Unmarshal(env.Arguments, &args); err != nil {
			return s.respondFail(env.Seq, env.Command, fmt.Sprintf("parse arguments: %s", err))
		}
	}
	vars := s.backend.Variables(args.VariablesReference)
	out := make([]dap.Variable, len(vars))
	for i, v := range vars {
		out[i] = dap.Variable{Name: v.Name, Value: v.Value}
	}
	return s.write(&dap.VariablesResponse{
		Response: s.baseResponse(env.Seq, env.Command),
		Body:     dap.VariablesResponseBody{Variables: out},
	})
}

func (s *Session) handleContinue(env envelope) error {
	var args threadIDArgs
	if len(env.Arguments) > 0 {
		if err := json.Unmarshal(env.Arguments, &args); err != nil {
			return s.respondFail(env.Seq, env.Command, fmt.Sprintf("parse arguments: %s", err))
		}
	}

	stop, err := s.backend.Continue(args.ThreadID)
	if err != nil {
		return s.respondFail(env.Seq, env.Command, err.Error())
	}
	resp := &dap.ContinueResponse{
		Response: s.baseResponse(env.Seq, env.Command),
		Body:     dap.ContinueResponseBody{AllThreadsContinued: true},
	}
	if err := s.write(resp); err != nil {
		return err
	}
	return s.emitStopped(stop)
}

func (s *Session) handleStep(env envelope, op func(int) (*backend.StopEvent, error), build func(dap.Response) dap.Message) error {
	var args threadIDArgs
	if len(env.Arguments) > 0 {
		if err := json.Unmarshal(env.Arguments, &args); err != nil {
			return s.respondFail(env.Seq, env.Command, fmt.Sprintf("parse arguments: %s", err))
		}
	}

	stop, err := op(args.ThreadID)
	if err != nil {
		return s.respondFail(env.Seq, env.Command, err.Error())
	}
	if err := s.write(build(s.baseResponse(env.Seq, env.Command))); err != nil {
		return err
	}
	return s.emitStopped(stop)
}

func (s *Session) emitStopped(stop *backend.StopEvent) error {
	if stop == nil {
		return nil
	}
	body := dap.StoppedEventBody{Reason: stop.Reason, Description: stop.Description}
	if stop.ThreadID != nil {
		body.ThreadId = int(*stop.ThreadID)
	}
	return s.write(&dap.StoppedEvent{
		Event: s.baseEvent("stopped"),
		Body:  body,
	})
}

func (s *Session) handleDisconnect(env envelope) (bool, error) {
	if err := s.backend.Disconnect(); err != nil {
		s.log.WithError(err).Warn("error disconnecting RSP client")
	}
	if err := s.write(&dap.DisconnectResponse{Response: s.baseResponse(env.Seq, env.Command)}); err != nil {
		return true, err
	}
	return true, nil
}
