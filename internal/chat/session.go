// Package chat implements the Chat Session (§4.3): one IRC connection
// per active tenant to the chat protocol, routing recognized commands
// and providing rate-limited outbound send.
package chat

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	twitch "github.com/gempir/go-twitch-irc/v4"

	"overlaycaster/internal/counters"
	"overlaycaster/pkg/logging"
	"overlaycaster/pkg/models"
)

const (
	rateLimitMessages = 20
	rateLimitWindow   = 30 * time.Second
	sendQueueDepth    = 256
)

// CounterCommands is the subset of Counter Engine operations the Chat
// Session needs to serve commands, satisfied by internal/counters.Engine.
type CounterCommands interface {
	Increment(ctx context.Context, tenantID string, kind models.CounterKind) (counters.Mutation, error)
	Decrement(ctx context.Context, tenantID string, kind models.CounterKind) (counters.Mutation, error)
	Reset(ctx context.Context, tenantID string) (models.Counters, error)
	Get(ctx context.Context, tenantID string) (models.Counters, error)
	SaveSeries(ctx context.Context, tenantID, name, description string) (models.SeriesSnapshot, error)
	LoadSeries(ctx context.Context, tenantID, seriesID string) (counters.Mutation, error)
	ListSeries(ctx context.Context, tenantID string) ([]models.SeriesSnapshot, error)
	DeleteSeries(ctx context.Context, tenantID, seriesID string) error
}

// Command identifies a recognized chat command's effect.
type Command int

const (
	CmdDeathInc Command = iota
	CmdDeathDec
	CmdSwearInc
	CmdSwearDec
	CmdScreamInc
	CmdScreamDec
	CmdResetCounters
	CmdSaveSeries
	CmdLoadSeries
	CmdListSeries
	CmdDeleteSeries
	CmdReadDeaths
	CmdReadSwears
	CmdReadBits
	CmdReadStats
	CmdReadStreamStats
)

var commandTable = map[string]Command{
	"!death+": CmdDeathInc, "!d+": CmdDeathInc,
	"!death-": CmdDeathDec, "!d-": CmdDeathDec,
	"!swear+": CmdSwearInc, "!s+": CmdSwearInc,
	"!swear-": CmdSwearDec, "!s-": CmdSwearDec,
	"!scream+": CmdScreamInc, "!sc+": CmdScreamInc,
	"!scream-": CmdScreamDec, "!sc-": CmdScreamDec,
	"!resetcounters": CmdResetCounters,
	"!saveseries":    CmdSaveSeries,
	"!loadseries":    CmdLoadSeries,
	"!listseries":    CmdListSeries,
	"!deleteseries":  CmdDeleteSeries,
	"!deaths":        CmdReadDeaths,
	"!swears":        CmdReadSwears,
	"!bits":          CmdReadBits,
	"!stats":         CmdReadStats,
	"!streamstats":   CmdReadStreamStats,
}

// publicCommands may be invoked by anyone; every other recognized
// command requires broadcaster-or-mod (§4.3).
var publicCommands = map[Command]bool{
	CmdReadDeaths: true, CmdReadSwears: true, CmdReadBits: true,
	CmdReadStats: true, CmdReadStreamStats: true,
}

// Session owns one tenant's chat connection.
type Session struct {
	tenantID string
	channel  string
	counters CounterCommands
	logger   logging.Logger

	client *twitch.Client

	mu       sync.Mutex
	outbound chan string
	closed   bool
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// Config configures a new chat Session.
type Config struct {
	TenantID string
	Channel  string
	Username string
	OAuth    string
	Counters CounterCommands
	Logger   logging.Logger
}

func New(cfg Config) *Session {
	client := twitch.NewClient(cfg.Username, cfg.OAuth)
	s := &Session{
		tenantID: cfg.TenantID,
		channel:  strings.ToLower(cfg.Channel),
		counters: cfg.Counters,
		logger:   cfg.Logger,
		client:   client,
		outbound: make(chan string, sendQueueDepth),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}

	client.OnPrivateMessage(s.handleMessage)
	client.OnConnect(func() {
		s.logger.WithFields(logging.Fields{"tenant_id": s.tenantID, "channel": s.channel}).Info("chat session connected")
	})
	return s
}

// Start joins the channel and begins the rate-limited send loop; the
// underlying twitch.Client.Connect call blocks, so it runs on its own
// goroutine, matching the teacher's long-lived-connection convention.
func (s *Session) Start(ctx context.Context) {
	s.client.Join(s.channel)
	go s.sendLoop(ctx)
	go func() {
		if err := s.client.Connect(); err != nil {
			s.logger.WithFields(logging.Fields{"tenant_id": s.tenantID, "error": err.Error()}).
				Warn("chat session disconnected")
		}
	}()
}

// Stop disconnects idempotently (§4.3).
func (s *Session) Stop() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	close(s.stopCh)
	s.client.Disconnect()
	<-s.doneCh
}

// Send enqueues an outbound chat message; dropped silently if the
// queue is full rather than blocking the caller (§4.3 "queued and
// drained").
func (s *Session) Send(text string) {
	select {
	case s.outbound <- text:
	default:
		s.logger.WithFields(logging.Fields{"tenant_id": s.tenantID}).Warn("chat send queue full, dropping message")
	}
}

// sendLoop drains the outbound queue honoring the upstream's per-
// channel rate limit (§4.3).
func (s *Session) sendLoop(ctx context.Context) {
	defer close(s.doneCh)

	bucket := newTokenBucket(rateLimitMessages, rateLimitWindow)
	defer bucket.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case text := <-s.outbound:
			bucket.Wait(s.stopCh)
			s.client.Say(s.channel, text)
		}
	}
}

func (s *Session) handleMessage(msg twitch.PrivateMessage) {
	fields := strings.Fields(msg.Message)
	if len(fields) == 0 {
		return
	}
	name := strings.ToLower(fields[0])
	cmd, ok := commandTable[name]
	if !ok {
		return
	}

	if !publicCommands[cmd] && !isBroadcasterOrMod(msg.User) {
		return
	}

	ctx := context.Background()
	arg := ""
	if len(fields) > 1 {
		arg = strings.Join(fields[1:], " ")
	}
	s.dispatch(ctx, cmd, arg)
}

func isBroadcasterOrMod(u twitch.User) bool {
	_, isBroadcaster := u.Badges["broadcaster"]
	_, isMod := u.Badges["moderator"]
	return isBroadcaster || isMod
}

func (s *Session) dispatch(ctx context.Context, cmd Command, arg string) {
	switch cmd {
	case CmdDeathInc:
		s.mutate(ctx, models.KindDeaths, true)
	case CmdDeathDec:
		s.mutate(ctx, models.KindDeaths, false)
	case CmdSwearInc:
		s.mutate(ctx, models.KindSwears, true)
	case CmdSwearDec:
		s.mutate(ctx, models.KindSwears, false)
	case CmdScreamInc:
		s.mutate(ctx, models.KindScreams, true)
	case CmdScreamDec:
		s.mutate(ctx, models.KindScreams, false)
	case CmdResetCounters:
		if _, err := s.counters.Reset(ctx, s.tenantID); err != nil {
			s.logError("reset", err)
			return
		}
		s.Send("Counters reset.")
	case CmdSaveSeries:
		snap, err := s.counters.SaveSeries(ctx, s.tenantID, arg, "")
		if err != nil {
			s.logError("save series", err)
			return
		}
		s.Send(fmt.Sprintf("Saved series %q as %s.", snap.SeriesName, snap.SeriesID))
	case CmdLoadSeries:
		if _, err := s.counters.LoadSeries(ctx, s.tenantID, arg); err != nil {
			s.logError("load series", err)
			return
		}
		s.Send("Loaded series " + arg + ".")
	case CmdListSeries:
		list, err := s.counters.ListSeries(ctx, s.tenantID)
		if err != nil {
			s.logError("list series", err)
			return
		}
		s.Send(fmt.Sprintf("%d saved series.", len(list)))
	case CmdDeleteSeries:
		if err := s.counters.DeleteSeries(ctx, s.tenantID, arg); err != nil {
			s.logError("delete series", err)
			return
		}
		s.Send("Deleted series " + arg + ".")
	case CmdReadDeaths:
		c, err := s.counters.Get(ctx, s.tenantID)
		if err == nil {
			s.Send("Deaths: " + strconv.Itoa(c.Deaths))
		}
	case CmdReadSwears:
		c, err := s.counters.Get(ctx, s.tenantID)
		if err == nil {
			s.Send("Swears: " + strconv.Itoa(c.Swears))
		}
	case CmdReadBits:
		c, err := s.counters.Get(ctx, s.tenantID)
		if err == nil {
			s.Send("Bits: " + strconv.Itoa(c.Bits))
		}
	case CmdReadStats:
		c, err := s.counters.Get(ctx, s.tenantID)
		if err == nil {
			s.Send(fmt.Sprintf("Deaths: %d | Swears: %d | Screams: %d | Bits: %d", c.Deaths, c.Swears, c.Screams, c.Bits))
		}
	case CmdReadStreamStats:
		c, err := s.counters.Get(ctx, s.tenantID)
		if err != nil {
			return
		}
		if c.StreamStarted == nil {
			s.Send("Stream has not started.")
			return
		}
		s.Send(fmt.Sprintf("Live for %s.", time.Since(*c.StreamStarted).Round(time.Second)))
	}
}

func (s *Session) mutate(ctx context.Context, kind models.CounterKind, up bool) {
	var err error
	if up {
		_, err = s.counters.Increment(ctx, s.tenantID, kind)
	} else {
		_, err = s.counters.Decrement(ctx, s.tenantID, kind)
	}
	if err != nil {
		s.logError("counter mutation", err)
	}
}

func (s *Session) logError(op string, err error) {
	s.logger.WithFields(logging.Fields{"tenant_id": s.tenantID, "op": op, "error": err.Error()}).
		Warn("chat command failed")
}

// tokenBucket rate-limits outbound messages (§4.3): it holds at most N
// tokens and adds one back every window/N on a fixed tick, so bursts
// after an idle period are capped at N messages.
type tokenBucket struct {
	tokens chan struct{}
	ticker *time.Ticker
	stop   chan struct{}
}

func newTokenBucket(n int, window time.Duration) *tokenBucket {
	b := &tokenBucket{
		tokens: make(chan struct{}, n),
		ticker: time.NewTicker(window / time.Duration(n)),
		stop:   make(chan struct{}),
	}
	for i := 0; i < n; i++ {
		b.tokens <- struct{}{}
	}
	go b.refill()
	return b
}

func (b *tokenBucket) refill() {
	for {
		select {
		case <-b.stop:
			return
		case <-b.ticker.C:
			select {
			case b.tokens <- struct{}{}:
			default:
			}
		}
	}
}

// Wait blocks until a token is available or stopCh fires.
func (b *tokenBucket) Wait(stopCh <-chan struct{}) {
	select {
	case <-b.tokens:
	case <-stopCh:
	}
}

func (b *tokenBucket) Stop() {
	close(b.stop)
	b.ticker.Stop()
}
