package adapter

import (
	"strconv"
	"sync"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/got3nks/amule-web-controller-sub002/internal/logging"
	"github.com/got3nks/amule-web-controller-sub002/internal/model"
)

// Base holds the state every adapter variant needs regardless of wire
// dialect: connection bookkeeping, the fasthttp client used for outbound
// calls, and the connectionInProgress guard spec.md §4.1 requires
// InitClient to honor. Concrete adapters embed Base and add their own
// protocol logic on top, the way the teacher's remAISCluster embeds
// shared fields under AISBackendProvider (ais/backend/ais.go).
type Base struct {
	instanceID string
	clientType model.ClientType
	host       string
	port       int
	username   string
	password   string

	mu                   sync.RWMutex
	connected            bool
	enabled              bool
	connectionInProgress bool

	HTTP *fasthttp.Client
	Log  *logging.Logger
}

func NewBase(instanceID string, typ model.ClientType, host string, port int, username, password string) Base {
	return Base{
		instanceID: instanceID,
		clientType: typ,
		host:       host,
		port:       port,
		username:   username,
		password:   password,
		enabled:    true,
		HTTP: &fasthttp.Client{
			MaxConnsPerHost:     8,
			ReadTimeout:         10 * time.Second,
			WriteTimeout:        10 * time.Second,
			MaxIdleConnDuration: 30 * time.Second,
		},
		Log: logging.New("adapter." + string(typ)),
	}
}

func (b *Base) InstanceID() string            { return b.instanceID }
func (b *Base) ClientType() model.ClientType  { return b.clientType }
func (b *Base) Host() string                  { return b.host }
func (b *Base) Port() int                     { return b.port }
func (b *Base) Username() string              { return b.username }
func (b *Base) Password() string              { return b.password }

func (b *Base) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.connected
}

func (b *Base) IsEnabled() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.enabled
}

func (b *Base) SetEnabled(v bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.enabled = v
	if !v {
		b.connected = false
	}
}

func (b *Base) setConnected(v bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connected = v
}

// BeginConnect implements the connectionInProgress guard: it returns
// (proceed=false) if another caller is already inside InitClient, so
// concurrent callers observe the in-progress state and return early
// rather than racing the transport.
func (b *Base) BeginConnect() (proceed bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.connectionInProgress {
		return false
	}
	b.connectionInProgress = true
	return true
}

func (b *Base) EndConnect(connected bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connectionInProgress = false
	b.connected = connected
}

func (b *Base) BaseURL() string {
	return "http://" + b.host + ":" + strconv.Itoa(b.port)
}
