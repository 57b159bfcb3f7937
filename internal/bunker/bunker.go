// Package bunker is a NIP-46 remote signer client. Requests and responses
// travel as NIP-44 encrypted kind 24133 events over the same relay pool and
// subscription manager the rest of the core uses.
package bunker

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"bookstr/internal/nostr"
	"bookstr/internal/signer"
	"bookstr/internal/subscription"
	"bookstr/internal/types"
	"bookstr/internal/util"
)

// Rate limiting constants for NIP-46 operations
const (
	signRateLimit  = 10              // Max sign requests per window
	signRateWindow = 1 * time.Minute // Rate limit window

	DefaultRequestTimeout = 30 * time.Second
)

var (
	ErrNotConnected = errors.New("not connected to bunker")
	ErrRateLimited  = errors.New("rate limit exceeded: too many sign requests")
	ErrTimeout      = errors.New("timeout waiting for remote signer")
)

// Transport is the part of subscription.Manager the bunker needs
type Transport interface {
	Subscribe(ctx context.Context, filter types.Filter) (*subscription.Subscription, error)
	Cancel(sub *subscription.Subscription)
	Publish(ctx context.Context, evt *types.Event) (subscription.PublishResult, error)
}

// Request is a JSON-RPC request to the remote signer
type Request struct {
	ID     string   `json:"id"`
	Method string   `json:"method"`
	Params []string `json:"params"`
}

// Response is a JSON-RPC response from the remote signer
type Response struct {
	ID     string `json:"id"`
	Result string `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Params are the parts of a bunker:// URL
type Params struct {
	RemotePubKey string
	Relays       []string
	Secret       string
}

// ParseURL parses bunker://<remote-signer-pubkey>?relay=<wss://...>&secret=<optional>
func ParseURL(bunkerURL string) (Params, error) {
	if !strings.HasPrefix(bunkerURL, "bunker://") {
		return Params{}, errors.New("invalid bunker URL: must start with bunker://")
	}
	u, err := url.Parse(bunkerURL)
	if err != nil {
		return Params{}, fmt.Errorf("invalid bunker URL: %w", err)
	}

	remote := strings.ToLower(u.Host)
	if len(remote) != 64 {
		return Params{}, errors.New("invalid remote signer pubkey in bunker URL")
	}
	if _, err := hex.DecodeString(remote); err != nil {
		return Params{}, errors.New("invalid remote signer pubkey hex")
	}

	var relays []string
	for _, r := range u.Query()["relay"] {
		if normalized := nostr.NormalizeRelayURL(r); normalized != "" {
			relays = append(relays, normalized)
		}
	}
	if len(relays) == 0 {
		return Params{}, errors.New("bunker URL must specify at least one relay")
	}

	return Params{RemotePubKey: remote, Relays: relays, Secret: u.Query().Get("secret")}, nil
}

// Signer signs through a remote NIP-46 bunker. It implements signer.Signer.
type Signer struct {
	params          Params
	client          *signer.LocalSigner // disposable key for the conversation
	clientPubKey    string
	conversationKey []byte
	transport       Transport
	timeout         time.Duration

	mu               sync.Mutex
	userPubKey       string
	sub              *subscription.Subscription
	pending          map[string]chan Response
	signRequestTimes []time.Time
}

// New prepares a bunker client with a fresh disposable key. Call Connect
// once the relays in Params are part of the pool.
func New(params Params, transport Transport) (*Signer, error) {
	client, err := signer.GenerateLocalSigner()
	if err != nil {
		return nil, fmt.Errorf("failed to generate client keypair: %w", err)
	}
	remote, err := hex.DecodeString(params.RemotePubKey)
	if err != nil {
		return nil, errors.New("invalid remote signer pubkey hex")
	}
	conversationKey, err := signer.GetConversationKey(client.SecretKey(), remote)
	if err != nil {
		return nil, fmt.Errorf("failed to compute conversation key: %w", err)
	}
	clientPubKey, _ := client.GetPublicKey(context.Background())

	return &Signer{
		params:          params,
		client:          client,
		clientPubKey:    clientPubKey,
		conversationKey: conversationKey,
		transport:       transport,
		timeout:         DefaultRequestTimeout,
		pending:         make(map[string]chan Response),
	}, nil
}

// SetTimeout changes how long a single request waits for its response
func (s *Signer) SetTimeout(d time.Duration) {
	s.timeout = d
}

// Relays returns the relays the bunker listens on
func (s *Signer) Relays() []string {
	return s.params.Relays
}

// Connect subscribes for responses, runs the connect handshake and fetches
// the user's public key
func (s *Signer) Connect(ctx context.Context) error {
	since := time.Now().Unix() - 10
	sub, err := s.transport.Subscribe(context.Background(), types.Filter{
		Kinds: []int{types.KindRemoteSigning},
		Tags:  map[string][]string{"p": {s.clientPubKey}},
		Since: &since,
	})
	if err != nil {
		return fmt.Errorf("subscribe for responses: %w", err)
	}
	s.mu.Lock()
	s.sub = sub
	s.mu.Unlock()
	go s.listen(sub)

	params := []string{s.params.RemotePubKey}
	if s.params.Secret != "" {
		params = append(params, s.params.Secret)
	}
	result, err := s.request(ctx, "connect", params)
	if err != nil {
		s.Close()
		return fmt.Errorf("connect failed: %w", err)
	}
	if result != "ack" && result != s.params.Secret {
		s.Close()
		return fmt.Errorf("unexpected connect response: %s", result)
	}

	userPubKey, err := s.request(ctx, "get_public_key", []string{})
	if err != nil {
		s.Close()
		return fmt.Errorf("get_public_key failed: %w", err)
	}
	if len(userPubKey) != 64 {
		s.Close()
		return fmt.Errorf("invalid user pubkey: %q", userPubKey)
	}

	s.mu.Lock()
	s.userPubKey = userPubKey
	s.mu.Unlock()
	slog.Info("NIP-46: connected to bunker", "user", nostr.ShortID(userPubKey))
	return nil
}

// Close stops listening for responses
func (s *Signer) Close() {
	s.mu.Lock()
	sub := s.sub
	s.sub = nil
	s.userPubKey = ""
	s.mu.Unlock()
	if sub != nil {
		s.transport.Cancel(sub)
	}
}

// GetPublicKey returns the user's public key reported by the bunker
func (s *Signer) GetPublicKey(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.userPubKey == "" {
		return "", ErrNotConnected
	}
	return s.userPubKey, nil
}

// SignEvent asks the bunker to sign and checks what comes back
func (s *Signer) SignEvent(ctx context.Context, unsigned types.UnsignedEvent) (*types.Event, error) {
	user, err := s.GetPublicKey(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.checkSignRateLimit(); err != nil {
		return nil, err
	}
	if unsigned.Tags == nil {
		unsigned.Tags = [][]string{}
	}

	eventJSON, err := json.Marshal(unsigned)
	if err != nil {
		return nil, err
	}
	result, err := s.request(ctx, "sign_event", []string{string(eventJSON)})
	if err != nil {
		return nil, fmt.Errorf("sign_event failed: %w", err)
	}

	var signed types.Event
	if err := json.Unmarshal([]byte(result), &signed); err != nil {
		return nil, fmt.Errorf("failed to parse signed event: %w", err)
	}
	if signed.PubKey != user {
		return nil, errors.New("bunker signed with an unexpected key")
	}
	if err := nostr.ValidateEvent(&signed); err != nil {
		return nil, fmt.Errorf("bunker returned invalid event: %w", err)
	}
	return &signed, nil
}

// checkSignRateLimit returns an error if the session has exceeded the sign rate limit
func (s *Signer) checkSignRateLimit() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-signRateWindow)
	validTimes := make([]time.Time, 0, len(s.signRequestTimes))
	for _, t := range s.signRequestTimes {
		if t.After(cutoff) {
			validTimes = append(validTimes, t)
		}
	}
	s.signRequestTimes = validTimes

	if len(s.signRequestTimes) >= signRateLimit {
		return ErrRateLimited
	}
	s.signRequestTimes = append(s.signRequestTimes, now)
	return nil
}

// request sends one RPC and waits for the matching response
func (s *Signer) request(ctx context.Context, method string, params []string) (string, error) {
	req := Request{ID: util.RandomHex(8), Method: method, Params: params}
	reqJSON, err := json.Marshal(req)
	if err != nil {
		return "", err
	}
	encrypted, err := signer.Nip44Encrypt(string(reqJSON), s.conversationKey)
	if err != nil {
		return "", fmt.Errorf("encryption failed: %w", err)
	}
	evt, err := s.client.SignEvent(ctx, types.UnsignedEvent{
		Kind:      types.KindRemoteSigning,
		Content:   encrypted,
		Tags:      [][]string{{"p", s.params.RemotePubKey}},
		CreatedAt: time.Now().Unix(),
	})
	if err != nil {
		return "", err
	}

	ch := make(chan Response, 1)
	s.mu.Lock()
	s.pending[req.ID] = ch
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.pending, req.ID)
		s.mu.Unlock()
	}()

	if _, err := s.transport.Publish(ctx, evt); err != nil {
		return "", err
	}

	timer := time.NewTimer(s.timeout)
	defer timer.Stop()
	select {
	case resp := <-ch:
		if resp.Error != "" {
			return "", fmt.Errorf("remote signer error: %s", resp.Error)
		}
		return resp.Result, nil
	case <-timer.C:
		return "", ErrTimeout
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// listen decrypts responses and hands them to the waiting request
func (s *Signer) listen(sub *subscription.Subscription) {
	for evt := range sub.Events() {
		if evt.PubKey != s.params.RemotePubKey {
			continue
		}
		decrypted, err := signer.Nip44Decrypt(evt.Content, s.conversationKey)
		if err != nil {
			slog.Debug("NIP-46: failed to decrypt response", "error", err)
			continue
		}
		var resp Response
		if err := json.Unmarshal([]byte(decrypted), &resp); err != nil {
			slog.Debug("NIP-46: failed to parse response", "error", err)
			continue
		}
		if resp.Result == "auth_url" {
			slog.Info("NIP-46: bunker requires authorization", "url", resp.Error)
			continue
		}

		s.mu.Lock()
		ch := s.pending[resp.ID]
		s.mu.Unlock()
		if ch != nil {
			select {
			case ch <- resp:
			default:
			}
		}
	}
}
