package health

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"tangled.sh/tangled.sh/shipyard/shipyard/models"
)

// StatusSource is anything that reports a raw state, such as a deploy
// target.
type StatusSource interface {
	Status(ctx context.Context) (string, error)
}

// StatusProber passes a target's status through. A container whose image
// declares no HEALTHCHECK only reports "running", which is taken as
// healthy.
type StatusProber struct {
	Source StatusSource
}

func (p StatusProber) Probe(ctx context.Context) (string, error) {
	raw, err := p.Source.Status(ctx)
	if err != nil {
		return "", err
	}
	if raw == "running" {
		return models.HealthyToken, nil
	}
	return raw, nil
}

// TCPProber is healthy only when every address accepts a connection.
type TCPProber struct {
	Addrs   []string
	Timeout time.Duration
}

func (p TCPProber) Probe(ctx context.Context) (string, error) {
	if len(p.Addrs) == 0 {
		return "", fmt.Errorf("no addresses to probe")
	}
	timeout := p.Timeout
	if timeout == 0 {
		timeout = time.Second
	}
	d := net.Dialer{Timeout: timeout}
	for _, addr := range p.Addrs {
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return "unreachable " + addr, nil
		}
		conn.Close()
	}
	return models.HealthyToken, nil
}

// HTTPProber is healthy on any 2xx response.
type HTTPProber struct {
	URL    string
	Client *http.Client
}

func NewHTTPProber(url string, timeout time.Duration) HTTPProber {
	return HTTPProber{
		URL: url,
		Client: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

func (p HTTPProber) Probe(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return "", err
	}
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return models.HealthyToken, nil
	}
	return fmt.Sprintf("http %d", resp.StatusCode), nil
}
