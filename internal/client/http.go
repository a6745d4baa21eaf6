package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/tidwall/gjson"
	"vlm-chat-server/internal/apperr"
	"vlm-chat-server/internal/model"
	"vlm-chat-server/internal/protocol"
)

const historyPage = 500

type HTTPOptions struct {
	BaseURL string
	// Token is sent as a bearer token when set.
	Token  string
	Client *http.Client
}

// api is the REST half shared by both transports.
type api struct {
	base  string
	token string
	http  *http.Client
}

func newAPI(opts HTTPOptions) *api {
	client := opts.Client
	if client == nil {
		client = http.DefaultClient
	}
	return &api{base: strings.TrimRight(opts.BaseURL, "/"), token: opts.Token, http: client}
}

func (a *api) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, a.base+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}
	return req, nil
}

func (a *api) do(ctx context.Context, method, path string, body, out any) error {
	req, err := a.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	resp, err := a.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// decodeError turns an {error, code} body back into a typed error.
func decodeError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	body := gjson.ParseBytes(data)
	code := body.Get("code").String()
	if code == "" {
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	return apperr.FromCode(code, body.Get("error").String())
}

func (a *api) Cancel(ctx context.Context, requestID string) error {
	return a.do(ctx, http.MethodPost, "/api/v1/chat/"+url.PathEscape(requestID)+"/cancel", nil, nil)
}

func (a *api) Truncate(ctx context.Context, sessionID, messageID string) error {
	body := map[string]string{"message_id": messageID}
	return a.do(ctx, http.MethodPost, "/api/v1/sessions/"+url.PathEscape(sessionID)+"/truncate", body, nil)
}

// History pages through the whole session.
func (a *api) History(ctx context.Context, sessionID string) ([]model.Message, error) {
	var all []model.Message
	for {
		var page struct {
			Messages []model.Message `json:"messages"`
			Total    int             `json:"total"`
		}
		path := fmt.Sprintf("/api/v1/sessions/%s/history?offset=%d&limit=%d", url.PathEscape(sessionID), len(all), historyPage)
		if err := a.do(ctx, http.MethodGet, path, nil, &page); err != nil {
			return nil, err
		}
		all = append(all, page.Messages...)
		if len(page.Messages) == 0 || len(all) >= page.Total {
			return all, nil
		}
	}
}

// SSETransport posts each generation to the chat stream endpoint and reads
// the text/event-stream response.
type SSETransport struct {
	*api
}

func NewSSETransport(opts HTTPOptions) *SSETransport {
	return &SSETransport{api: newAPI(opts)}
}

func (t *SSETransport) Stream(ctx context.Context, req model.GenerationRequest, fn func(protocol.Event) error) error {
	httpReq, err := t.newRequest(ctx, http.MethodPost, "/api/v1/chat/stream", req)
	if err != nil {
		return err
	}
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := t.http.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return decodeError(resp)
	}

	return readEventStream(resp.Body, func(data []byte) (bool, error) {
		rid, ev, err := protocol.Unmarshal(data)
		if err != nil {
			return false, err
		}
		if rid != "" && rid != req.RequestID {
			return false, nil
		}
		if err := fn(ev); err != nil {
			return true, err
		}
		return protocol.IsTerminal(ev), nil
	})
}

// readEventStream calls frame with the data of each SSE frame until frame
// reports that it is done.
func readEventStream(r io.Reader, frame func(data []byte) (bool, error)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64<<10), 4<<20)

	var data bytes.Buffer
	for scanner.Scan() {
		line := scanner.Bytes()
		switch {
		case len(line) == 0:
			if data.Len() == 0 {
				continue
			}
			done, err := frame(data.Bytes())
			data.Reset()
			if err != nil || done {
				return err
			}
		case bytes.HasPrefix(line, []byte("data:")):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.Write(bytes.TrimPrefix(bytes.TrimPrefix(line, []byte("data:")), []byte(" ")))
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return errNoTerminal
}
