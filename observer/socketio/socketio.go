package socketio

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/url"
	"sync/atomic"

	"github.com/juju/errors"
	log "github.com/sirupsen/logrus"
	"github.com/warriorguo/dagflow/types"
	"github.com/warriorguo/dagflow/utils"
	"github.com/zishang520/engine.io-client-go/transports"
	eiotypes "github.com/zishang520/engine.io/v2/types"
	"github.com/zishang520/socket.io-client-go/socket"
)

const (
	DefaultWorkflowEvent = "workflow_status"
	DefaultNodeEvent     = "node_status"
)

var (
	_ types.Observer = &Observer{}
)

type Config struct {
	// URL of the server, its path is the socket.io path.
	URL                string
	Namespace          string
	WorkflowEvent      string
	NodeEvent          string
	InsecureSkipVerify bool
}

/**
 * Observer pushes run transitions to a socket.io server, workflow level
 * events and node level events under their own event names. Events raised
 * while the client is not connected are dropped with an error.
 */
type Observer struct {
	config    Config
	io        *socket.Socket
	connected atomic.Bool
}

func Dial(config Config) (*Observer, error) {
	if config.WorkflowEvent == "" {
		config.WorkflowEvent = DefaultWorkflowEvent
	}
	if config.NodeEvent == "" {
		config.NodeEvent = DefaultNodeEvent
	}
	if config.Namespace == "" {
		config.Namespace = "/"
	}

	parsedURL, err := url.Parse(config.URL)
	if err != nil {
		return nil, errors.Annotatef(err, "parse socket.io url %q", config.URL)
	}
	if parsedURL.Scheme == "" || parsedURL.Host == "" {
		return nil, errors.NotValidf("socket.io url %q", config.URL)
	}

	baseURL := fmt.Sprintf("%s://%s", parsedURL.Scheme, parsedURL.Host)
	opts := socket.DefaultOptions()
	if parsedURL.Path != "" {
		opts.SetPath(parsedURL.Path)
	}
	if config.InsecureSkipVerify {
		log.Warnf("skipping TLS certificate verification for %s", baseURL)
		opts.SetTLSClientConfig(&tls.Config{InsecureSkipVerify: true})
	}
	opts.SetTransports(eiotypes.NewSet(transports.WebSocket))

	manager := socket.NewManager(baseURL, opts)
	o := &Observer{config: config, io: manager.Socket(config.Namespace, opts)}

	o.io.On(eiotypes.EventName("connect"), func(...any) {
		o.connected.Store(true)
		log.Infof("socket.io observer connected to %s%s", baseURL, config.Namespace)
	})
	o.io.On(eiotypes.EventName("disconnect"), func(reason ...any) {
		o.connected.Store(false)
		log.Infof("socket.io observer disconnected: %v", reason)
	})
	o.io.On(eiotypes.EventName("connect_error"), func(errs ...any) {
		log.Errorf("socket.io observer failed to connect: %v", errs)
	})
	o.io.Connect()
	return o, nil
}

func (o *Observer) Connected() bool {
	return o.connected.Load()
}

func (o *Observer) Notify(ctx context.Context, e types.Event) error {
	if !o.connected.Load() {
		return errors.Errorf("socket.io observer not connected, dropped event of %s", e.Workflow)
	}
	payload, err := eventPayload(e)
	if err != nil {
		return errors.Trace(err)
	}
	if e.IsWorkflowEvent() {
		o.io.Emit(o.config.WorkflowEvent, payload)
	} else {
		o.io.Emit(o.config.NodeEvent, payload)
	}
	return nil
}

// eventPayload turns an event into the plain map the client serializes.
func eventPayload(e types.Event) (map[string]any, error) {
	b, err := utils.Serialize(e)
	if err != nil {
		return nil, errors.Trace(err)
	}
	payload := make(map[string]any)
	if err := utils.Unserialize(b, &payload); err != nil {
		return nil, errors.Trace(err)
	}
	return payload, nil
}

func (o *Observer) Close() {
	o.io.Disconnect()
}
