package chrome

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/runtime"

	"github.com/debugrelay/host/internal/debugger"
	apperrors "github.com/debugrelay/host/internal/errors"
)

type evaluateReply struct {
	Result struct {
		Type  string          `json:"type"`
		Value json.RawMessage `json:"value"`
	} `json:"result"`
	ExceptionDetails *struct {
		Text string `json:"text"`
	} `json:"exceptionDetails"`
}

// Evaluate runs expression in the tab's default execution context over a
// separate, short-lived CDP connection, so it works whether or not the tab
// is attached. The value is returned by value.
func (c *Client) Evaluate(ctx context.Context, tabID int, expression string) (*debugger.Evaluation, error) {
	wsURL, err := c.wsURL(ctx, tabID)
	if err != nil {
		return nil, err
	}

	contexts := make(chan int64, 16)
	cn, err := dialConn(ctx, c.dialer, wsURL, func(method string, params json.RawMessage) {
		if method != string(cdproto.EventRuntimeExecutionContextCreated) {
			return
		}
		if id, ok := debugger.DefaultContextID(params); ok {
			select {
			case contexts <- id:
			default:
			}
		}
	}, nil)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeDebuggerAttachFailed, "Cannot attach to the target", err)
	}
	defer cn.close()

	if _, err := cn.call(ctx, runtime.CommandEnable, nil); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeDebuggerCommandFailed, runtime.CommandEnable, err)
	}

	var contextID int64
	select {
	case contextID = <-contexts:
	case <-ctx.Done():
		return nil, apperrors.Wrap(apperrors.CodeDebuggerCommandFailed, "waiting for execution context", ctx.Err())
	}

	params, err := json.Marshal(runtime.Evaluate(expression).
		WithContextID(runtime.ExecutionContextID(contextID)).
		WithReturnByValue(true))
	if err != nil {
		return nil, err
	}
	raw, err := cn.call(ctx, runtime.CommandEvaluate, params)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeDebuggerCommandFailed, runtime.CommandEvaluate, err)
	}

	var reply evaluateReply
	if err := json.Unmarshal(raw, &reply); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeDebuggerCommandFailed, "decode evaluate result", err)
	}
	if reply.ExceptionDetails != nil {
		return nil, apperrors.New(apperrors.CodeDebuggerCommandFailed,
			fmt.Sprintf("evaluate threw: %s", reply.ExceptionDetails.Text))
	}
	return &debugger.Evaluation{ContextID: contextID, Value: reply.Result.Value}, nil
}
