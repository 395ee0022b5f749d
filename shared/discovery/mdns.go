// Package discovery advertises a running board on the local network over
// mDNS and finds boards advertised by other hosts.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/mdns"
)

// ServiceType is the DNS-SD service type of an inkboard server.
const ServiceType = "_inkboard._tcp"

const defaultBrowseTimeout = 2 * time.Second

// Peer is a board found on the network.
type Peer struct {
	Instance string
	Addr     string // host:port
	Info     map[string]string
}

// WSURL returns the websocket endpoint of the peer.
func (p Peer) WSURL() string {
	path := p.Info["path"]
	if path == "" {
		path = "/ws"
	}
	return "ws://" + p.Addr + path
}

// Advertiser owns a running mDNS responder.
type Advertiser struct {
	log      *slog.Logger
	instance string
	server   *mdns.Server
}

// Advertise announces the board listening on port. An empty instance uses the hostname.
func Advertise(log *slog.Logger, instance string, port int, wsPath string) (*Advertiser, error) {
	if log == nil {
		log = slog.Default()
	}
	if port <= 0 || port > 65535 {
		return nil, fmt.Errorf("discovery: invalid port %d", port)
	}

	name, err := instanceName(instance)
	if err != nil {
		return nil, err
	}

	service, err := mdns.NewMDNSService(name, ServiceType, "", "", port, nil, txtRecords(wsPath))
	if err != nil {
		return nil, fmt.Errorf("discovery: build service: %w", err)
	}

	server, err := mdns.NewServer(&mdns.Config{Zone: service})
	if err != nil {
		return nil, fmt.Errorf("discovery: start responder: %w", err)
	}

	log.Info("mdns.advertise", "instance", name, "service", ServiceType, "port", port)
	return &Advertiser{log: log, instance: name, server: server}, nil
}

// Instance returns the advertised instance name.
func (a *Advertiser) Instance() string { return a.instance }

// Shutdown stops answering queries. Safe on a nil Advertiser.
func (a *Advertiser) Shutdown() error {
	if a == nil || a.server == nil {
		return nil
	}
	a.log.Info("mdns.shutdown", "instance", a.instance)
	return a.server.Shutdown()
}

// Browse queries the network for boards until ctx is done or the browse
// timeout elapses, calling found for each IPv4 answer.
func Browse(ctx context.Context, found func(Peer)) error {
	timeout := defaultBrowseTimeout
	if dl, ok := ctx.Deadline(); ok {
		timeout = time.Until(dl)
	}
	if timeout <= 0 {
		return context.DeadlineExceeded
	}

	entries := make(chan *mdns.ServiceEntry, 16)
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		for e := range entries {
			if p, ok := peerFromEntry(e); ok {
				found(p)
			}
		}
	}()

	params := mdns.DefaultParams(ServiceType)
	params.Entries = entries
	params.Timeout = timeout
	params.DisableIPv6 = true

	err := mdns.Query(params)
	close(entries)
	<-drained

	if err != nil {
		return fmt.Errorf("discovery: query: %w", err)
	}
	return ctx.Err()
}

func instanceName(instance string) (string, error) {
	if s := strings.TrimSpace(instance); s != "" {
		return s, nil
	}
	host, err := os.Hostname()
	if err != nil {
		return "", fmt.Errorf("discovery: hostname: %w", err)
	}
	if host == "" {
		return "", errors.New("discovery: empty hostname")
	}
	return host, nil
}

func txtRecords(wsPath string) []string {
	if wsPath == "" {
		wsPath = "/ws"
	}
	return []string{"app=inkboard", "proto=inkboard.v1", "path=" + wsPath}
}

func peerFromEntry(e *mdns.ServiceEntry) (Peer, bool) {
	if e == nil || e.AddrV4 == nil || e.Port == 0 {
		return Peer{}, false
	}

	info := make(map[string]string, len(e.InfoFields))
	for _, f := range e.InfoFields {
		k, v, _ := strings.Cut(f, "=")
		info[k] = v
	}

	name := strings.TrimSuffix(e.Name, ".")
	if i := strings.Index(name, "."+ServiceType); i > 0 {
		name = name[:i]
	}

	return Peer{
		Instance: name,
		Addr:     e.AddrV4.String() + ":" + strconv.Itoa(e.Port),
		Info:     info,
	}, true
}
