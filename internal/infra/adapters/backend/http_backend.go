package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"character-relay/internal/domain"
	"character-relay/internal/domain/ports/adapter"
)

// Compile-time assurance this adapter satisfies the port
var _ adapter.GenerationBackend = (*HTTPBackend)(nil)

// HTTPBackend talks to the generation service over plain HTTP. The
// service may push incremental `data:` framed events or answer with one
// blocking JSON body; both are normalized into the same TokenEvent
// sequence so callers never see the wire format.
type HTTPBackend struct {
	base        string
	apiKey      string
	model       string
	client      *http.Client
	overall     time.Duration
	readTimeout time.Duration
}

func NewHTTPBackend(baseURL, apiKey, model string, overall, readTimeout time.Duration) (*HTTPBackend, error) {
	if baseURL == "" {
		return nil, errors.New("backend base url empty")
	}
	return &HTTPBackend{
		base:        strings.TrimRight(baseURL, "/"),
		apiKey:      apiKey,
		model:       model,
		client:      &http.Client{}, // deadlines come from the request context
		overall:     overall,
		readTimeout: readTimeout,
	}, nil
}

type generateRequest struct {
	SessionID string `json:"session_id"`
	Prompt    string `json:"prompt"`
	Model     string `json:"model,omitempty"`
	MaxTokens int    `json:"max_tokens,omitempty"`
	Stream    bool   `json:"stream"`
}

// streamFrame is one decoded push event.
type streamFrame struct {
	Token string `json:"token"`
	Done  bool   `json:"done"`
	Error string `json:"error"`
}

// blockingResponse is the non-streamed answer shape.
type blockingResponse struct {
	Text string `json:"text"`
}

func (b *HTTPBackend) Generate(ctx context.Context, req adapter.GenerationRequest) (<-chan adapter.TokenEvent, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, domain.ErrInvalidArgument
	}
	out := make(chan adapter.TokenEvent, 16)
	go b.run(ctx, req, out)
	return out, nil
}

func (b *HTTPBackend) run(ctx context.Context, req adapter.GenerationRequest, out chan<- adapter.TokenEvent) {
	defer close(out)

	gctx, cancel := context.WithTimeout(ctx, b.overall)
	defer cancel()

	body, _ := json.Marshal(generateRequest{
		SessionID: req.SessionID,
		Prompt:    req.Prompt,
		Model:     b.model,
		MaxTokens: req.MaxTokens,
		Stream:    true,
	})
	httpReq, err := http.NewRequestWithContext(gctx, http.MethodPost, b.base+"/generate", bytes.NewReader(body))
	if err != nil {
		emit(gctx, out, adapter.Fail(fmt.Errorf("%w: %v", domain.ErrBackendError, err)))
		return
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream, application/json")
	if b.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+b.apiKey)
	}

	resp, err := b.client.Do(httpReq)
	if err != nil {
		emit(gctx, out, b.requestErr(ctx, gctx, err))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		emit(gctx, out, adapter.Fail(fmt.Errorf("%w: status %d: %s", domain.ErrBackendError, resp.StatusCode, strings.TrimSpace(string(snippet)))))
		return
	}

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if mediaType == "text/event-stream" {
		b.consumeStream(ctx, gctx, resp.Body, out)
		return
	}
	b.consumeBlocking(gctx, resp.Body, out)
}

// consumeBlocking reads the whole body as one JSON reply and emits it as
// a single fragment followed by done.
func (b *HTTPBackend) consumeBlocking(ctx context.Context, body io.Reader, out chan<- adapter.TokenEvent) {
	raw, err := io.ReadAll(body)
	if err != nil {
		emit(ctx, out, adapter.Fail(fmt.Errorf("%w: read body: %v", domain.ErrBackendError, err)))
		return
	}
	var resp blockingResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		emit(ctx, out, adapter.Fail(fmt.Errorf("%w: decode body: %v", domain.ErrBackendError, err)))
		return
	}
	if resp.Text != "" {
		if !emit(ctx, out, adapter.Fragment(resp.Text)) {
			return
		}
	}
	emit(ctx, out, adapter.Done())
}

type readChunk struct {
	data []byte
	err  error
}

// consumeStream reads framed push events. Bytes are buffered until a
// complete frame (blank-line delimited) is available; frames that fail
// to decode are discarded, not surfaced. A stalled read beyond the
// per-read timeout terminates the generation with a timeout error.
func (b *HTTPBackend) consumeStream(callerCtx, gctx context.Context, body io.Reader, out chan<- adapter.TokenEvent) {
	raw := make(chan readChunk, 4)
	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := body.Read(buf)
			var chunk readChunk
			if n > 0 {
				chunk.data = make([]byte, n)
				copy(chunk.data, buf[:n])
			}
			chunk.err = err
			select {
			case raw <- chunk:
			case <-gctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	var pending bytes.Buffer
	readTimer := time.NewTimer(b.readTimeout)
	defer readTimer.Stop()

	for {
		select {
		case <-gctx.Done():
			if callerCtx.Err() != nil {
				return // caller cancelled; stop emitting
			}
			emit(callerCtx, out, adapter.Fail(domain.ErrBackendTimeout))
			return
		case <-readTimer.C:
			emit(gctx, out, adapter.Fail(domain.ErrBackendTimeout))
			return
		case chunk := <-raw:
			if chunk.data != nil {
				pending.Write(chunk.data)
				done, ok := b.drainFrames(gctx, &pending, out)
				if done || !ok {
					return
				}
			}
			if chunk.err != nil {
				if chunk.err == io.EOF {
					// Upstream closed without a terminal frame; the
					// stream is complete as far as it can tell us.
					emit(gctx, out, adapter.Done())
				} else if callerCtx.Err() == nil {
					emit(gctx, out, b.requestErr(callerCtx, gctx, chunk.err))
				}
				return
			}
			if !readTimer.Stop() {
				select {
				case <-readTimer.C:
				default:
				}
			}
			readTimer.Reset(b.readTimeout)
		}
	}
}

// drainFrames extracts every complete frame from the buffer. It returns
// done=true once a terminal was emitted, and ok=false when the consumer
// went away.
func (b *HTTPBackend) drainFrames(ctx context.Context, pending *bytes.Buffer, out chan<- adapter.TokenEvent) (done, ok bool) {
	for {
		data := pending.Bytes()
		idx := bytes.Index(data, []byte("\n\n"))
		if idx < 0 {
			return false, true
		}
		frame := string(data[:idx])
		pending.Next(idx + 2)

		payload, found := framePayload(frame)
		if !found {
			continue
		}
		if payload == "[DONE]" {
			return true, emit(ctx, out, adapter.Done())
		}
		var ev streamFrame
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			continue // malformed frame: drop it, keep reading
		}
		switch {
		case ev.Error != "":
			emit(ctx, out, adapter.Fail(fmt.Errorf("%w: %s", domain.ErrBackendError, ev.Error)))
			return true, true
		case ev.Done:
			return true, emit(ctx, out, adapter.Done())
		case ev.Token != "":
			if !emit(ctx, out, adapter.Fragment(ev.Token)) {
				return false, false
			}
		}
	}
}

// framePayload joins the data lines of one frame, CR/LF tolerant.
func framePayload(frame string) (string, bool) {
	var parts []string
	for _, line := range strings.Split(frame, "\n") {
		line = strings.TrimSuffix(line, "\r")
		if rest, ok := strings.CutPrefix(line, "data:"); ok {
			parts = append(parts, strings.TrimSpace(rest))
		}
	}
	if len(parts) == 0 {
		return "", false
	}
	return strings.Join(parts, "\n"), true
}

func (b *HTTPBackend) requestErr(callerCtx, gctx context.Context, err error) adapter.TokenEvent {
	if errors.Is(gctx.Err(), context.DeadlineExceeded) && callerCtx.Err() == nil {
		return adapter.Fail(domain.ErrBackendTimeout)
	}
	return adapter.Fail(fmt.Errorf("%w: %v", domain.ErrBackendError, err))
}

// emit delivers an event unless the consumer is gone. It reports whether
// the event was accepted.
func emit(ctx context.Context, out chan<- adapter.TokenEvent, ev adapter.TokenEvent) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
