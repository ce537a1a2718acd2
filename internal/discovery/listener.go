// internal/discovery/listener.go
package discovery

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/ws"
	"go.uber.org/zap"

	"github.com/rovshanmuradov/sniper-core/internal/events"
	"github.com/rovshanmuradov/sniper-core/internal/lifecycle"
)

const wsolMint = "So11111111111111111111111111111111111111112"

var (
	mintPattern   = regexp.MustCompile(`mint[:\s]+([1-9A-HJ-NP-Za-km-z]{32,44})`)
	createPattern = regexp.MustCompile(`Create\(([^)]+)\)`)
)

// LogStream is one live mention-filtered log subscription.
// *ws.LogSubscription satisfies it.
type LogStream interface {
	Recv(ctx context.Context) (*ws.LogResult, error)
	Unsubscribe()
}

// Subscriber opens log streams. The production implementation wraps the
// websocket client; tests feed canned results.
type Subscriber interface {
	Subscribe(ctx context.Context, program solana.PublicKey) (LogStream, error)
}

// TransactionFetcher resolves a creation signature into the full
// transaction. *rpc.Client satisfies it.
type TransactionFetcher interface {
	GetTransaction(ctx context.Context, sig solana.Signature, opts *rpc.GetTransactionOpts) (*rpc.GetTransactionResult, error)
}

// TokenSink admits discovered tokens into the pipeline. The lifecycle
// coordinator satisfies it.
type TokenSink interface {
	AddToken(record lifecycle.TokenRecord) (lifecycle.TokenContext, error)
}

// Publisher pushes discovery events onto the bus.
type Publisher interface {
	Publish(events.Event) error
}

// WSSubscriber adapts the solana websocket client to the Subscriber
// interface, always at processed commitment: sniping cannot wait for
// confirmation to hear about a launch.
type WSSubscriber struct {
	client *ws.Client
}

func NewWSSubscriber(client *ws.Client) *WSSubscriber {
	return &WSSubscriber{client: client}
}

func (s *WSSubscriber) Subscribe(_ context.Context, program solana.PublicKey) (LogStream, error) {
	sub, err := s.client.LogsSubscribeMentions(program, rpc.CommitmentProcessed)
	if err != nil {
		return nil, fmt.Errorf("logs subscribe %s: %w", program, err)
	}
	return sub, nil
}

// ProgramFilter is one launch venue to watch: the program whose mentions
// are streamed and the log marker that distinguishes creations from the
// rest of its traffic.
type ProgramFilter struct {
	// Name tags records with the venue, e.g. "pumpfun".
	Name    string
	Program solana.PublicKey
	// Marker must appear in the joined log text for the signature to be
	// fetched at all.
	Marker string
}

// Config tunes the listener.
type Config struct {
	Filters []ProgramFilter
	// RedialInitial / RedialMax bound the reconnect backoff.
	RedialInitial time.Duration
	RedialMax     time.Duration
	// FetchAttempts and FetchPause govern the transaction lookup, which
	// races the RPC node's own ingestion of a processed-level signature.
	FetchAttempts int
	FetchPause    time.Duration
}

func (c *Config) setDefaults() {
	if c.RedialInitial <= 0 {
		c.RedialInitial = 200 * time.Millisecond
	}
	if c.RedialMax <= 0 {
		c.RedialMax = 5 * time.Second
	}
	if c.FetchAttempts <= 0 {
		c.FetchAttempts = 3
	}
	if c.FetchPause <= 0 {
		c.FetchPause = 100 * time.Millisecond
	}
}

// Listener watches launch-venue programs over websocket logs, resolves
// creation signatures into mints, and feeds them to the pipeline. A full
// registry or an already-known mint drops the token; the stream itself is
// redialed forever until Stop.
type Listener struct {
	cfg     Config
	subs    Subscriber
	fetcher TransactionFetcher
	sink    TokenSink
	bus     Publisher
	logger  *zap.Logger

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewListener(cfg Config, subs Subscriber, fetcher TransactionFetcher, sink TokenSink, bus Publisher, logger *zap.Logger) (*Listener, error) {
	cfg.setDefaults()
	if len(cfg.Filters) == 0 {
		return nil, errors.New("discovery: no program filters configured")
	}
	for _, f := range cfg.Filters {
		if f.Program.IsZero() {
			return nil, fmt.Errorf("discovery: filter %q has no program", f.Name)
		}
	}
	return &Listener{
		cfg:     cfg,
		subs:    subs,
		fetcher: fetcher,
		sink:    sink,
		bus:     bus,
		logger:  logger.Named("discovery"),
	}, nil
}

// Start launches one watch loop per configured filter.
func (l *Listener) Start(ctx context.Context) {
	l.mu.Lock()
	if l.started {
		l.mu.Unlock()
		return
	}
	l.started = true
	runCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.mu.Unlock()

	for _, f := range l.cfg.Filters {
		f := f
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			l.watch(runCtx, f)
		}()
	}
	l.logger.Info("🔭 Discovery listener started", zap.Int("venues", len(l.cfg.Filters)))
}

// Stop tears down the streams and waits for in-flight lookups.
func (l *Listener) Stop() {
	l.mu.Lock()
	if !l.started {
		l.mu.Unlock()
		return
	}
	l.started = false
	cancel := l.cancel
	l.mu.Unlock()

	cancel()
	l.wg.Wait()
	l.logger.Info("Discovery listener stopped")
}

// watch keeps one venue subscribed until the context dies: subscribe with
// backoff, consume until the stream errors, redial.
func (l *Listener) watch(ctx context.Context, filter ProgramFilter) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = l.cfg.RedialInitial
	policy.MaxInterval = l.cfg.RedialMax

	notify := func(err error, wait time.Duration) {
		l.logger.Warn("Subscribe failed, backing off",
			zap.String("venue", filter.Name),
			zap.Duration("wait", wait),
			zap.Error(err))
	}

	for ctx.Err() == nil {
		// MaxElapsedTime 0 lifts the retry deadline: a venue is watched
		// until Stop, not for the first fifteen minutes.
		stream, err := backoff.Retry(ctx, func() (LogStream, error) {
			return l.subs.Subscribe(ctx, filter.Program)
		}, backoff.WithBackOff(policy), backoff.WithMaxElapsedTime(0), backoff.WithNotify(notify))
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			continue
		}
		policy.Reset()

		l.logger.Info("📡 Watching launch venue",
			zap.String("venue", filter.Name),
			zap.String("program", filter.Program.String()))

		if err := l.consume(ctx, stream, filter); err != nil && ctx.Err() == nil {
			l.logger.Warn("Stream dropped, redialing",
				zap.String("venue", filter.Name),
				zap.Error(err))
		}
	}
}

func (l *Listener) consume(ctx context.Context, stream LogStream, filter ProgramFilter) error {
	defer stream.Unsubscribe()

	for {
		msg, err := stream.Recv(ctx)
		if err != nil {
			return err
		}
		if msg == nil || msg.Value.Err != nil {
			continue // failed transaction
		}
		if filter.Marker != "" && !strings.Contains(strings.Join(msg.Value.Logs, " "), filter.Marker) {
			continue
		}

		sig := msg.Value.Signature
		detected := time.Now()
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			l.handleCreation(ctx, sig, filter, detected)
		}()
	}
}

// handleCreation resolves the signature into a mint and admits it. The
// lookup retries briefly: at processed commitment the RPC node may not
// have indexed the transaction yet.
func (l *Listener) handleCreation(ctx context.Context, sig solana.Signature, filter ProgramFilter, detected time.Time) {
	maxVersion := uint64(0)
	var res *rpc.GetTransactionResult
	var err error
	for attempt := 0; attempt < l.cfg.FetchAttempts; attempt++ {
		res, err = l.fetcher.GetTransaction(ctx, sig, &rpc.GetTransactionOpts{
			MaxSupportedTransactionVersion: &maxVersion,
			Commitment:                     rpc.CommitmentConfirmed,
		})
		if err == nil && res != nil {
			break
		}
		select {
		case <-time.After(l.cfg.FetchPause):
		case <-ctx.Done():
			return
		}
	}
	if err != nil || res == nil {
		l.logger.Debug("Creation lookup failed",
			zap.String("venue", filter.Name),
			zap.String("signature", sig.String()),
			zap.Error(err))
		return
	}

	mint := parseMint(res)
	if mint == "" {
		l.logger.Debug("No mint in creation transaction",
			zap.String("signature", sig.String()))
		return
	}

	record := lifecycle.TokenRecord{
		Mint:         mint,
		Creator:      parseCreator(res),
		PoolType:     filter.Name,
		DiscoveredAt: detected,
	}

	if _, err := l.sink.AddToken(record); err != nil {
		switch {
		case errors.Is(err, lifecycle.ErrCapacityExceeded):
			l.logger.Warn("🧯 Registry full, token dropped", zap.String("mint", mint))
		case errors.Is(err, lifecycle.ErrTokenExists):
			l.logger.Debug("Token already tracked", zap.String("mint", mint))
		default:
			l.logger.Warn("Token admission failed", zap.String("mint", mint), zap.Error(err))
		}
		return
	}

	l.logger.Info("🆕 New token discovered",
		zap.String("mint", mint),
		zap.String("venue", filter.Name),
		zap.Duration("latency", time.Since(detected)))

	if l.bus != nil {
		e := events.TokenDiscoveredEvent{
			BaseEvent: events.NewBase(events.TokenDiscovered),
			Mint:      mint,
			Creator:   record.Creator,
			PoolType:  filter.Name,
		}
		if err := l.bus.Publish(e); err != nil {
			l.logger.Warn("Discovery event dropped", zap.Error(err))
		}
	}
}

// parseMint digs the new mint out of the creation transaction: the log
// lines first, token balance changes as the fallback.
func parseMint(res *rpc.GetTransactionResult) string {
	if res.Meta == nil {
		return ""
	}

	for _, line := range res.Meta.LogMessages {
		// The signature already passed the venue marker, so any mint
		// mention names the new token.
		if m := mintPattern.FindStringSubmatch(line); len(m) > 1 {
			return strings.TrimSpace(m[1])
		}
		if !strings.Contains(line, "Create") {
			continue
		}
		if m := createPattern.FindStringSubmatch(line); len(m) > 1 {
			candidate := strings.TrimSpace(m[1])
			if _, err := solana.PublicKeyFromBase58(candidate); err == nil {
				return candidate
			}
		}
	}

	for _, bal := range res.Meta.PostTokenBalances {
		if bal.Mint.IsZero() {
			continue
		}
		if mint := bal.Mint.String(); mint != wsolMint {
			return mint
		}
	}
	return ""
}

// parseCreator reports the fee payer, which on launch venues is the wallet
// that created the token. Best effort: an undecodable envelope yields "".
func parseCreator(res *rpc.GetTransactionResult) string {
	if res.Transaction == nil {
		return ""
	}
	tx, err := res.Transaction.GetTransaction()
	if err != nil || tx == nil || len(tx.Message.AccountKeys) == 0 {
		return ""
	}
	return tx.Message.AccountKeys[0].String()
}
