package transport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/debugrelay/host/internal/errors"
)

// SSE client query parameters and event names.
const (
	ClientIDParam  = "sseClientId"
	MessageIDParam = "messageId"

	eventMessage = "message"
	eventControl = "control"

	controlClose = "close"
)

// SSE pairs an inbound event stream with outbound POSTs. Both legs share a
// client id in the query string so the server treats them as one connection.
type SSE struct {
	closer

	clientID  string
	serverURL string
	opts      Options
	log       *zap.Logger

	incoming chan string
	cancel   context.CancelFunc
	nextID   atomic.Int64
}

// OpenSSE opens the inbound stream and returns once the server accepted it.
func OpenSSE(ctx context.Context, rawURL string, opts Options) (*SSE, error) {
	opts = opts.withDefaults()
	clientID := uuid.NewString()
	s := &SSE{
		clientID:  clientID,
		serverURL: withQuery(rawURL, ClientIDParam, clientID),
		opts:      opts,
		incoming:  make(chan string, incomingBufferSize),
	}
	s.closer.init()
	s.log = opts.Logger.With(zap.String("transport", "sse"), zap.String("client", clientID))

	// The stream outlives ctx; ctx only bounds the connect.
	streamCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, s.serverURL, nil)
	if err != nil {
		cancel()
		return nil, apperrors.Wrap(apperrors.CodeTransportOpenFailed, "build stream request", err)
	}
	for k, v := range opts.Header {
		req.Header[k] = v
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := opts.HTTPClient.Do(req)
	if err != nil {
		cancel()
		return nil, apperrors.Wrap(apperrors.CodeTransportOpenFailed, "SSE connection failed", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return nil, apperrors.New(apperrors.CodeTransportOpenFailed, fmt.Sprintf("SSE connection failed: %s", resp.Status))
	}

	go s.readStream(resp.Body)
	return s, nil
}

// ClientID returns the id shared by both legs.
func (s *SSE) ClientID() string { return s.clientID }

// Incoming implements Transport.
func (s *SSE) Incoming() <-chan string { return s.incoming }

// Send POSTs message as a JSON string to the server URL with the next
// message id. Failed attempts are retried up to Options.SendAttempts; after
// that the transport closes and the error is returned.
func (s *SSE) Send(ctx context.Context, message string) error {
	if s.isClosed() {
		return ErrClosed
	}
	body, err := json.Marshal(message)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeTransportSendFailed, "encode message", err)
	}
	target := s.serverURL + "&" + MessageIDParam + "=" + strconv.FormatInt(s.nextID.Add(1), 10)

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(s.opts.RetryDelay), uint64(s.opts.SendAttempts-1)),
		ctx,
	)
	err = backoff.Retry(func() error {
		if s.isClosed() {
			return backoff.Permanent(ErrClosed)
		}
		return s.post(ctx, target, body)
	}, policy)
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrClosed) || ctx.Err() != nil {
		return err
	}

	s.log.Warn("Failed to send message", zap.Error(err))
	wrapped := apperrors.Wrap(apperrors.CodeTransportSendFailed, "Failed to send message", err)
	s.shutdown(wrapped)
	return wrapped
}

func (s *SSE) post(ctx context.Context, target string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.opts.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		err := fmt.Errorf("POST %s", resp.Status)
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return backoff.Permanent(err)
		}
		return err
	}
	return nil
}

// Close implements Transport.
func (s *SSE) Close() error {
	s.shutdown(nil)
	return nil
}

func (s *SSE) shutdown(err error) {
	if s.closeWith(err) {
		s.cancel()
	}
}

// readStream parses the event stream until it ends. Events are separated by
// blank lines; data lines are joined with newlines.
func (s *SSE) readStream(body io.ReadCloser) {
	defer close(s.incoming)
	defer body.Close()

	reader := bufio.NewReader(body)
	var (
		event string
		data  []string
	)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if !s.isClosed() {
				s.log.Debug("stream ended", zap.Error(err))
				s.shutdown(apperrors.Wrap(apperrors.CodeTransportOpenFailed, "SSE stream ended", err))
			}
			return
		}
		line = strings.TrimRight(line, "\r\n")

		if line == "" {
			if len(data) > 0 {
				if !s.dispatch(event, strings.Join(data, "\n")) {
					return
				}
			}
			event, data = "", nil
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		name, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch name {
		case "event":
			event = value
		case "data":
			data = append(data, value)
		}
	}
}

// dispatch handles one complete event. It returns false once the transport
// has closed.
func (s *SSE) dispatch(event, data string) bool {
	payload := unquote(data)
	switch event {
	case "", eventMessage:
		select {
		case s.incoming <- payload:
			return true
		case <-s.done:
			return false
		}
	case eventControl:
		if payload == controlClose {
			s.log.Debug("server closed stream")
			s.shutdown(nil)
		} else {
			s.shutdown(apperrors.New(apperrors.CodeTransportControl, "Illegal Control Message: "+payload))
		}
		return false
	}
	return true
}

// unquote decodes a JSON string payload, returning data unchanged when it is
// not one.
func unquote(data string) string {
	if !strings.HasPrefix(data, `"`) {
		return data
	}
	var s string
	if err := json.Unmarshal([]byte(data), &s); err != nil {
		return data
	}
	return s
}

func withQuery(rawURL, key, value string) string {
	sep := "?"
	if strings.Contains(rawURL, "?") {
		sep = "&"
	}
	return rawURL + sep + key + "=" + value
}
