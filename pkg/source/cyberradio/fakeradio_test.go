package cyberradio

import (
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"testing"
)

type fakeTuner struct {
	freq  float64
	atten float64
}

// fakeRadio answers the NDR JSON control protocol over loopback TCP.
type fakeRadio struct {
	t        *testing.T
	model    Model
	serial   string
	listener net.Listener

	mu     sync.Mutex
	tuners map[int]*fakeTuner
	ddcs   map[string]map[int]int
	reject map[string]string
	conns  []net.Conn
}

func newFakeRadio(t *testing.T, modelName string) *fakeRadio {
	t.Helper()
	model, err := LookupModel(modelName)
	if err != nil {
		t.Fatalf("LookupModel() = %v", err)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() = %v", err)
	}

	f := &fakeRadio{
		t:        t,
		model:    model,
		serial:   "SN1234",
		listener: ln,
		tuners:   make(map[int]*fakeTuner),
		ddcs: map[string]map[int]int{
			"wbddc": {},
			"nbddc": {},
		},
		reject: make(map[string]string),
	}
	for id := 1; id <= model.Tuners; id++ {
		f.tuners[id] = &fakeTuner{freq: model.FreqMin}
	}
	go f.serve()
	t.Cleanup(f.Close)
	return f
}

func (f *fakeRadio) Port() int {
	return f.listener.Addr().(*net.TCPAddr).Port
}

func (f *fakeRadio) Args() string {
	return fmt.Sprintf("cyberradio,host=127.0.0.1,port=%d,type=%s,local=127.0.0.1,udp_port=0",
		f.Port(), f.model.Name)
}

func (f *fakeRadio) Close() {
	f.listener.Close()
	f.mu.Lock()
	for _, c := range f.conns {
		c.Close()
	}
	f.conns = nil
	f.mu.Unlock()
}

// Reject makes every following cmd fail with reason.
func (f *fakeRadio) Reject(cmd, reason string) {
	f.mu.Lock()
	f.reject[cmd] = reason
	f.mu.Unlock()
}

func (f *fakeRadio) Tuner(id int) fakeTuner {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.tuners[id]
}

func (f *fakeRadio) RateIndex(cmd string, id int) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ddcs[cmd][id]
}

func (f *fakeRadio) serve() {
	for {
		conn, err := f.listener.Accept()
		if err != nil {
			return
		}
		f.mu.Lock()
		f.conns = append(f.conns, conn)
		f.mu.Unlock()
		go f.handleConnection(conn)
	}
}

func (f *fakeRadio) handleConnection(conn net.Conn) {
	defer conn.Close()

	decoder := json.NewDecoder(conn)
	encoder := json.NewEncoder(conn)

	// radios push status events that clients must skip
	encoder.Encode(response{Cmd: "event", Msg: 0, Success: true})

	for {
		var req request
		if err := decoder.Decode(&req); err != nil {
			return
		}
		if err := encoder.Encode(f.process(req)); err != nil {
			return
		}
	}
}

func (f *fakeRadio) process(req request) response {
	f.mu.Lock()
	defer f.mu.Unlock()

	resp := response{Cmd: req.Cmd, Msg: req.Msg}
	fail := func(format string, args ...interface{}) response {
		resp.Error = fmt.Sprintf(format, args...)
		return resp
	}
	if reason, ok := f.reject[req.Cmd]; ok {
		return fail("%s", reason)
	}

	var result interface{}
	switch req.Cmd {
	case "qstatus":
		result = Identity{Model: f.model.Name, Serial: f.serial, Version: "1.0"}

	case "qtuner", "tuner":
		tuner, ok := f.tuners[paramInt(req.Params, "id")]
		if !ok {
			return fail("invalid tuner id %v", req.Params["id"])
		}
		if req.Cmd == "qtuner" {
			result = map[string]float64{"freq": tuner.freq, "atten": tuner.atten}
			break
		}
		if v, ok := req.Params["freq"].(float64); ok {
			if v < f.model.FreqMin || v > f.model.FreqMax {
				return fail("frequency %v out of range", v)
			}
			tuner.freq = v
		}
		if v, ok := req.Params["atten"].(float64); ok {
			if v < 0 || v > f.model.MaxAtten {
				return fail("attenuation %v out of range", v)
			}
			tuner.atten = v
		}

	case "qwbddc", "wbddc", "qnbddc", "nbddc":
		kind := req.Cmd
		if kind[0] == 'q' {
			kind = kind[1:]
		}
		rates := f.model.WbddcRates
		if kind == "nbddc" {
			rates = f.model.NbddcRates
		}
		id := paramInt(req.Params, "id")
		if id < 1 || id > f.model.Tuners {
			return fail("invalid ddc id %d", id)
		}
		if req.Cmd[0] == 'q' {
			result = map[string]int{"rateIndex": f.ddcs[kind][id]}
			break
		}
		idx := paramInt(req.Params, "rateIndex")
		if _, ok := rates[idx]; !ok {
			return fail("invalid rate index %d", idx)
		}
		f.ddcs[kind][id] = idx

	default:
		return fail("unknown command %q", req.Cmd)
	}

	if result != nil {
		raw, err := json.Marshal(result)
		if err != nil {
			f.t.Errorf("marshal result: %v", err)
		}
		resp.Result = raw
	}
	resp.Success = true
	return resp
}

func paramInt(params map[string]interface{}, key string) int {
	v, _ := params[key].(float64)
	return int(v)
}
