package cyberradio

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	DefaultControlPort = 8617
	defaultTimeout     = 2 * time.Second
)

type DDCKind int

const (
	Wideband DDCKind = iota
	Narrowband
)

func (k DDCKind) String() string {
	if k == Narrowband {
		return "narrowband"
	}
	return "wideband"
}

func ParseDDCKind(s string) (DDCKind, bool) {
	switch s {
	case "", "wideband", "wb", "wbddc":
		return Wideband, true
	case "narrowband", "nb", "nbddc":
		return Narrowband, true
	}
	return Wideband, false
}

func (k DDCKind) command() string {
	if k == Narrowband {
		return "nbddc"
	}
	return "wbddc"
}

// RadioHandler is the control surface of one NDR radio. Indices are zero
// based; the handler translates them to the radio's one-based ids.
type RadioHandler interface {
	Model() Model
	Identity() (Identity, error)
	SetTunerFrequency(tuner int, freq float64) error
	SetTunerAttenuation(tuner int, atten float64) error
	TunerAttenuation(tuner int) (float64, error)
	SetDDCRateIndex(kind DDCKind, ddc int, index int) error
	DDCRateIndex(kind DDCKind, ddc int) (int, error)
	Close() error
}

type Identity struct {
	Model   string `json:"model"`
	Serial  string `json:"serial"`
	Version string `json:"version"`
}

type request struct {
	Cmd    string                 `json:"cmd"`
	Params map[string]interface{} `json:"params,omitempty"`
	Msg    int                    `json:"msg"`
}

type response struct {
	Cmd     string          `json:"cmd"`
	Msg     int             `json:"msg"`
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// CommandError is a command the radio answered with success=false.
type CommandError struct {
	Cmd    string
	Reason string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("ndr: %s rejected: %s", e.Cmd, e.Reason)
}

// jsonHandler speaks the NDR newline-delimited JSON command protocol.
type jsonHandler struct {
	model   Model
	addr    string
	timeout time.Duration
	logger  zerolog.Logger

	mu     sync.Mutex
	conn   net.Conn
	rd     *bufio.Reader
	msgID  int
	closed bool
}

// GetRadioObject connects to the radio at host and checks it answers.
func GetRadioObject(ctx context.Context, radioType, host string, port int, timeout time.Duration, logger zerolog.Logger) (RadioHandler, error) {
	model, err := LookupModel(radioType)
	if err != nil {
		return nil, err
	}
	if port == 0 {
		port = DefaultControlPort
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	h := &jsonHandler{
		model:   model,
		addr:    net.JoinHostPort(host, strconv.Itoa(port)),
		timeout: timeout,
		logger:  logger,
	}
	if err := h.dial(ctx); err != nil {
		return nil, err
	}

	id, err := h.Identity()
	if err != nil {
		h.Close()
		return nil, err
	}
	// the radio's own answer wins over the type argument
	if reported, err := LookupModel(id.Model); id.Model != "" && err == nil && reported.Name != model.Name {
		logger.Warn().
			Str("expected", model.Name).
			Str("reported", reported.Name).
			Msg("radio reports a different model")
		h.model = reported
	}
	return h, nil
}

func (h *jsonHandler) dial(ctx context.Context) error {
	d := net.Dialer{Timeout: h.timeout}
	conn, err := d.DialContext(ctx, "tcp", h.addr)
	if err != nil {
		return fmt.Errorf("ndr: connect %s: %w", h.addr, err)
	}
	h.conn = conn
	h.rd = bufio.NewReader(conn)
	return nil
}

func (h *jsonHandler) call(cmd string, params map[string]interface{}, result interface{}) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return fmt.Errorf("ndr: %s: handler closed", cmd)
	}
	if h.conn == nil {
		if err := h.dial(context.Background()); err != nil {
			return err
		}
	}

	h.msgID++
	req := request{Cmd: cmd, Params: params, Msg: h.msgID}
	payload, err := json.Marshal(req)
	if err != nil {
		return err
	}
	payload = append(payload, '\n')

	if err := h.conn.SetDeadline(time.Now().Add(h.timeout)); err != nil {
		return h.fail(cmd, err)
	}
	if _, err := h.conn.Write(payload); err != nil {
		return h.fail(cmd, err)
	}

	for {
		line, err := h.rd.ReadBytes('\n')
		if err != nil {
			return h.fail(cmd, err)
		}
		var resp response
		if err := json.Unmarshal(line, &resp); err != nil {
			return h.fail(cmd, fmt.Errorf("bad response: %w", err))
		}
		if resp.Msg != req.Msg {
			h.logger.Debug().Str("cmd", resp.Cmd).Int("msg", resp.Msg).Msg("skipping unsolicited message")
			continue
		}
		if !resp.Success {
			return &CommandError{Cmd: cmd, Reason: resp.Error}
		}
		if result != nil && len(resp.Result) > 0 {
			if err := json.Unmarshal(resp.Result, result); err != nil {
				return fmt.Errorf("ndr: %s: decode result: %w", cmd, err)
			}
		}
		return nil
	}
}

// fail drops the connection after an I/O error; the next call redials.
func (h *jsonHandler) fail(cmd string, err error) error {
	h.conn.Close()
	h.conn = nil
	h.rd = nil
	return fmt.Errorf("ndr: %s: %w", cmd, err)
}

func (h *jsonHandler) Model() Model {
	return h.model
}

func (h *jsonHandler) Identity() (Identity, error) {
	var id Identity
	err := h.call("qstatus", nil, &id)
	return id, err
}

func (h *jsonHandler) SetTunerFrequency(tuner int, freq float64) error {
	return h.call("tuner", map[string]interface{}{"id": tuner + 1, "freq": freq}, nil)
}

func (h *jsonHandler) SetTunerAttenuation(tuner int, atten float64) error {
	return h.call("tuner", map[string]interface{}{"id": tuner + 1, "atten": atten}, nil)
}

func (h *jsonHandler) TunerAttenuation(tuner int) (float64, error) {
	var res struct {
		Atten float64 `json:"atten"`
	}
	err := h.call("qtuner", map[string]interface{}{"id": tuner + 1}, &res)
	return res.Atten, err
}

func (h *jsonHandler) SetDDCRateIndex(kind DDCKind, ddc int, index int) error {
	return h.call(kind.command(), map[string]interface{}{"id": ddc + 1, "rateIndex": index}, nil)
}

func (h *jsonHandler) DDCRateIndex(kind DDCKind, ddc int) (int, error) {
	var res struct {
		RateIndex int `json:"rateIndex"`
	}
	err := h.call("q"+kind.command(), map[string]interface{}{"id": ddc + 1}, &res)
	return res.RateIndex, err
}

func (h *jsonHandler) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	if h.conn == nil {
		return nil
	}
	return h.conn.Close()
}
