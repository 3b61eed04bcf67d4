package device

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/kuretru/Wattrouter-MQTT-Gateway/entity"
)

const (
	statusPath  = "/meas.xml"
	controlPath = "/test.xml"

	maxBodySize = 1 << 20
)

type ClientConfig struct {
	Host     string
	Timeout  time.Duration
	Username string
	Password string
	Logger   *slog.Logger
}

// Client talks to the power router over its HTTP/XML interface. It never retries;
// the caller decides what a failure means.
type Client struct {
	baseURL    string
	username   string
	password   string
	httpClient *http.Client
	logger     *slog.Logger
}

func NewClient(config ClientConfig) *Client {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	return &Client{
		baseURL:    baseURL(config.Host),
		username:   config.Username,
		password:   config.Password,
		httpClient: &http.Client{Timeout: config.Timeout},
		logger:     config.Logger,
	}
}

func baseURL(host string) string {
	host = strings.TrimRight(host, "/")
	if strings.HasPrefix(host, "http://") || strings.HasPrefix(host, "https://") {
		return host
	}
	return "http://" + host
}

// FetchStatus downloads and parses the measurement document.
func (c *Client) FetchStatus(ctx context.Context) (entity.Snapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+statusPath, nil)
	if err != nil {
		return entity.Snapshot{}, &FetchError{Err: fmt.Errorf("%w: %w", ErrRequest, err)}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return entity.Snapshot{}, &FetchError{Err: fmt.Errorf("%w: %w", ErrRequest, err)}
	}
	defer drainAndClose(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return entity.Snapshot{}, &FetchError{StatusCode: resp.StatusCode, Err: ErrUnexpectedStatus}
	}

	snapshot, err := ParseStatus(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return entity.Snapshot{}, &FetchError{StatusCode: resp.StatusCode, Err: err}
	}
	c.logger.Debug("Device: status fetched", "fields", snapshot.Len())
	return snapshot, nil
}

// ParseStatus reads a measurement document and keeps the first value of every known
// field, addressed by its element path below the root element.
func ParseStatus(r io.Reader) (entity.Snapshot, error) {
	decoder := xml.NewDecoder(r)
	values := make(map[entity.Field]string)

	var path []string
	var current *entity.Field
	var text strings.Builder
	sawRoot := false

	for {
		token, err := decoder.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return entity.Snapshot{}, fmt.Errorf("%w: %w", ErrMalformedResponse, err)
		}

		switch t := token.(type) {
		case xml.StartElement:
			if !sawRoot {
				sawRoot = true
				continue
			}
			path = append(path, t.Name.Local)
			if current != nil {
				continue
			}
			field, ok := entity.LookupField(strings.Join(path, "/"))
			if !ok {
				continue
			}
			if _, seen := values[field]; seen {
				continue
			}
			current = &field
			text.Reset()
		case xml.CharData:
			if current != nil && len(path) == depthOf(*current) {
				text.Write(t)
			}
		case xml.EndElement:
			if len(path) == 0 {
				continue
			}
			if current != nil && len(path) == depthOf(*current) {
				values[*current] = text.String()
				current = nil
			}
			path = path[:len(path)-1]
		}
	}

	if !sawRoot {
		return entity.Snapshot{}, fmt.Errorf("%w: empty document", ErrMalformedResponse)
	}
	return entity.NewSnapshot(values), nil
}

func depthOf(field entity.Field) int {
	return strings.Count(field.Path, "/") + 1
}

// SetOutputTest switches the test mode of an output and returns the applied value, "0" or "1".
func (c *Client) SetOutputTest(ctx context.Context, output int, on bool) (string, error) {
	if output < 1 || output > entity.OutputCount {
		return "", &ControlError{Output: output, Err: ErrInvalidOutput}
	}
	value := "0"
	if on {
		value = "1"
	}

	body := fmt.Sprintf("<test><TST%d>%s</TST%d><UN>%s</UN><UP>%s</UP></test>",
		output, value, output, escape(c.username), escape(c.password))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+controlPath, bytes.NewBufferString(body))
	if err != nil {
		return "", &ControlError{Output: output, Err: fmt.Errorf("%w: %w", ErrRequest, err)}
	}
	req.Header.Set("Content-Type", "application/xml")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", &ControlError{Output: output, Err: fmt.Errorf("%w: %w", ErrRequest, err)}
	}
	defer drainAndClose(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return "", &ControlError{Output: output, StatusCode: resp.StatusCode, Err: ErrUnexpectedStatus}
	}
	c.logger.Debug("Device: output test toggled", "output", output, "value", value)
	return value, nil
}

// ParseBoolPayload interprets an MQTT command payload.
func ParseBoolPayload(payload []byte) bool {
	switch strings.ToLower(strings.TrimSpace(string(payload))) {
	case "1", "true", "on", "yes":
		return true
	}
	return false
}

func escape(s string) string {
	var b strings.Builder
	_ = xml.EscapeText(&b, []byte(s))
	return b.String()
}

func drainAndClose(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, 4096))
	_ = body.Close()
}
