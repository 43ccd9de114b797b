package callback

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	// AuthHeader carries "<timestamp_ms>.<hex_hmac>" where the hmac signs
	// timestamp_ms + "." + body with the shared internal secret.
	AuthHeader     = "x-internal-auth"
	defaultTimeout = 10 * time.Second
)

type Metadata struct {
	ContentBlocks    int     `json:"contentBlocks"`
	TotalWords       int     `json:"totalWords"`
	MainContentWords int     `json:"mainContentWords"`
	ProcessingTimeMs float64 `json:"processingTimeMs"`
	ProcessedAt      string  `json:"processedAt"`
}

type Result struct {
	FileID   string   `json:"fileId"`
	Summary  string   `json:"summary"`
	Metadata Metadata `json:"metadata"`
}

// Sender posts signed results to the configured callback endpoint.
type Sender struct {
	URL    string
	Secret string
	Client *http.Client
	Now    func() time.Time
}

func NewSender(url, secret string) *Sender {
	return &Sender{
		URL:    url,
		Secret: secret,
		Client: &http.Client{Timeout: defaultTimeout},
		Now:    time.Now,
	}
}

// Sign computes the hex HMAC-SHA256 of ts + "." + body under secret.
func Sign(secret, ts string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks an AuthHeader value against the body. The timestamp must lie
// within tolerance of now.
func Verify(secret, header string, body []byte, now time.Time, tolerance time.Duration) bool {
	ts, sig, ok := strings.Cut(header, ".")
	if !ok {
		return false
	}
	ms, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return false
	}
	if tolerance > 0 {
		at := time.UnixMilli(ms)
		if at.Before(now.Add(-tolerance)) || at.After(now.Add(tolerance)) {
			return false
		}
	}
	expected := Sign(secret, ts, body)
	return hmac.Equal([]byte(expected), []byte(sig))
}

// Send posts the result. Any non-2xx response is an error; the caller treats
// it as a retryable failure.
func (s *Sender) Send(ctx context.Context, res Result) error {
	body, err := json.Marshal(res)
	if err != nil {
		return err
	}
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	ts := strconv.FormatInt(now().UnixMilli(), 10)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(AuthHeader, ts+"."+Sign(s.Secret, ts, body))

	client := s.Client
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("callback status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}
