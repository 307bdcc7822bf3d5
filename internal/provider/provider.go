// Package provider implements domain.Provider for each supported chat
// platform. Providers translate platform failures into SendResult values;
// the queue decides what to do with them.
package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"

	"chatrelay/internal/domain"
	"chatrelay/internal/httpx"
)

// Retryable reports whether a platform HTTP status is transient.
func Retryable(status int) bool { return httpx.Retryable(status) }

// base carries the state every provider shares: its current configuration
// and whether Initialize completed.
type base struct {
	platform string
	logger   *slog.Logger
	client   *http.Client

	mu    sync.RWMutex
	cfg   domain.ProviderConfig
	ready bool
}

func newBase(platform string, opts Options) base {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	client := opts.HTTPClient
	if client == nil {
		client = httpx.SharedClient(0)
	}
	return base{platform: platform, logger: logger.With("platform", platform), client: client}
}

func (b *base) Platform() string { return b.platform }

func (b *base) config() domain.ProviderConfig {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.cfg
}

func (b *base) isReady() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.ready
}

func (b *base) setConfig(cfg domain.ProviderConfig, ready bool) {
	b.mu.Lock()
	b.cfg = cfg
	b.ready = ready
	b.mu.Unlock()
}

func (b *base) markDown() {
	b.mu.Lock()
	b.ready = false
	b.mu.Unlock()
}

// notReady is the result for a send attempted before Initialize; the
// provider may come up later, so the queue should retry.
func notReady(platform string) domain.SendResult {
	return domain.SendFailed("not_ready", fmt.Sprintf("%s: %v", platform, domain.ErrProviderNotReady), true)
}

// requireKeys checks that cfg carries every named ConfigData entry.
func requireKeys(cfg domain.ProviderConfig, keys ...string) error {
	var missing []string
	for _, k := range keys {
		if strings.TrimSpace(cfg.Get(k)) == "" {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("%w: %s", domain.ErrMissingCredential, strings.Join(missing, ", "))
	}
	return nil
}

// sendError maps a transport error to a SendResult. Status errors are
// retryable per Retryable; other transport failures (timeouts, resets) are
// retryable unless the context was cancelled by the caller.
func sendError(err error) domain.SendResult {
	var se *httpx.StatusError
	if errors.As(err, &se) {
		return domain.SendFailed(fmt.Sprintf("http_%d", se.StatusCode), se.Error(), Retryable(se.StatusCode))
	}
	if errors.Is(err, context.Canceled) {
		return domain.SendFailed("cancelled", err.Error(), true)
	}
	return domain.SendFailed("transport", err.Error(), true)
}

// downgrade renders a non-text message as text for platforms that only
// send text. A message with nothing left to send fails permanently.
func downgrade(msg domain.ChatMessage) (string, *domain.SendResult) {
	content := strings.TrimSpace(msg.Content)
	if content == "" {
		res := domain.SendFailed("unsupported_message_type",
			fmt.Sprintf("%v: %s message has no text to fall back to", domain.ErrUnsupportedType, msg.Type), false)
		return "", &res
	}
	return content, nil
}

// parseTarget splits "kind:id". A bare id has kind "".
func parseTarget(target string) (kind, id string) {
	if k, v, ok := strings.Cut(target, ":"); ok {
		return k, v
	}
	return "", target
}

func invalidTarget(target string) domain.SendResult {
	return domain.SendFailed("invalid_target", fmt.Sprintf("%v: %q", domain.ErrInvalidTarget, target), false)
}

// remainingChunks splits text and reports how many leading chunks an earlier
// attempt already delivered, so a retry resumes after them.
func remainingChunks(msg domain.ChatMessage, text string, maxLen int) ([]string, int) {
	chunks := splitText(text, maxLen)
	sent, _ := strconv.Atoi(msg.Meta(domain.MetaSentParts))
	return chunks, min(max(sent, 0), len(chunks))
}

// partial marks res with the number of chunks delivered before it.
func partial(res domain.SendResult, delivered int) domain.SendResult {
	res.Delivered = delivered
	return res
}

// splitText breaks text into chunks of at most maxLen runes, preferring
// newline boundaries.
func splitText(text string, maxLen int) []string {
	runes := []rune(text)
	if len(runes) <= maxLen {
		return []string{text}
	}

	var chunks []string
	for len(runes) > 0 {
		if len(runes) <= maxLen {
			chunks = append(chunks, string(runes))
			break
		}
		cut := maxLen
		for i := maxLen - 1; i > maxLen/2; i-- {
			if runes[i] == '\n' {
				cut = i + 1
				break
			}
		}
		chunks = append(chunks, string(runes[:cut]))
		runes = runes[cut:]
	}
	return chunks
}
