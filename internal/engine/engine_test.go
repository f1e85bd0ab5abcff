package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goodtune/kfetch/internal/clock"
	"github.com/goodtune/kfetch/internal/config"
	"github.com/goodtune/kfetch/internal/dispatch"
	"github.com/goodtune/kfetch/internal/media"
	"github.com/goodtune/kfetch/internal/media/mediatest"
	"github.com/goodtune/kfetch/internal/policy"
	"github.com/goodtune/kfetch/internal/progress"
	"github.com/goodtune/kfetch/internal/ratelimit"
	"github.com/goodtune/kfetch/internal/session"
	"github.com/goodtune/kfetch/internal/storage"
	"github.com/goodtune/kfetch/internal/storage/memory"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testURL = "https://example.com/watch/1"

type harness struct {
	engine     *Engine
	fetcher    *mediatest.Fetcher
	sessions   *session.Store
	dispatcher *dispatch.Dispatcher
	store      *memory.Store
	clock      *clock.Fake
	workDir    string

	mu        sync.Mutex
	delivered []Delivery
}

func newHarness(t *testing.T, mutate func(*Config, *Deps)) *harness {
	t.Helper()
	logger := zerolog.New(io.Discard)
	clk := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

	h := &harness{
		fetcher: &mediatest.Fetcher{},
		store:   memory.New(100),
		clock:   clk,
		workDir: t.TempDir(),
	}
	limiter := ratelimit.New(h.store.Windows(), clk, logger)
	h.sessions = session.NewStore(10*time.Minute, clk, logger)
	h.dispatcher = dispatch.New(h.fetcher, limiter, dispatch.Config{MaxConcurrent: 5, RatePerHour: 10, WorkDir: h.workDir}, logger)

	cfg := Config{
		RatePerHour:       10,
		BatchConcurrency:  3,
		MaxPlaylistItems:  50,
		EnablePlaylists:   true,
		StreamBuffer:      512,
		SubtitleLanguages: []string{"en", "fr", "de"},
		InfoCacheSize:     16,
		InfoCacheTTL:      time.Minute,
	}
	deps := Deps{
		Fetcher:    h.fetcher,
		Limiter:    limiter,
		Sessions:   h.sessions,
		Dispatcher: h.dispatcher,
		History:    h.store.History(),
		Clock:      clk,
		Deliverer: DeliverFunc(func(_ context.Context, d Delivery) error {
			if _, err := os.Stat(d.Path); err != nil {
				return err
			}
			h.mu.Lock()
			h.delivered = append(h.delivered, d)
			h.mu.Unlock()
			return nil
		}),
	}
	if mutate != nil {
		mutate(&cfg, &deps)
	}
	h.engine = New(cfg, deps, logger)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.engine.Shutdown(ctx)
	})
	return h
}

func (h *harness) deliveries() []Delivery {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Delivery(nil), h.delivered...)
}

func drain(t *testing.T, s *progress.Stream) []progress.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var out []progress.Event
	for ev := range s.Events(ctx) {
		out = append(out, ev)
	}
	require.NoError(t, ctx.Err(), "progress stream did not end")
	return out
}

func rootEvents(sessionID string, evs []progress.Event) []progress.Event {
	var out []progress.Event
	for _, ev := range evs {
		if ev.TaskID == sessionID {
			out = append(out, ev)
		}
	}
	return out
}

func option(t *testing.T, p *Prompt, action session.Action, param string) Option {
	t.Helper()
	for _, o := range p.Options {
		if o.Choice.Action == action && o.Choice.Param == param {
			return o
		}
	}
	t.Fatalf("no %s:%s option in %+v", action, param, p.Options)
	return Option{}
}

func TestSubmitURL_Menu(t *testing.T) {
	h := newHarness(t, nil)

	p, err := h.engine.SubmitURL(context.Background(), "u1", testURL)
	require.NoError(t, err)
	assert.False(t, p.Resumed)
	assert.Equal(t, "Test clip", p.Info.Title)

	var labels []string
	for _, o := range p.Options {
		labels = append(labels, o.Label)
		assert.LessOrEqual(t, len(o.Token), maxTokenLen)
		assert.True(t, strings.HasPrefix(o.Token, tokenPrefix(p.SessionID)+":"))
	}
	assert.Equal(t, []string{"Video 720p", "Video 360p", "Audio (MP3)", "Subtitles: en", "Subtitles: fr", "All subtitles"}, labels)

	sess, err := h.sessions.Get("u1")
	require.NoError(t, err)
	assert.Equal(t, session.AwaitingChoice, sess.State)
}

func TestSubmitURL_ResumesPendingChoice(t *testing.T) {
	h := newHarness(t, nil)

	first, err := h.engine.SubmitURL(context.Background(), "u1", testURL)
	require.NoError(t, err)
	second, err := h.engine.SubmitURL(context.Background(), "u1", "https://example.com/other")
	require.NoError(t, err)

	assert.True(t, second.Resumed)
	assert.Equal(t, first.SessionID, second.SessionID)
	assert.Equal(t, 1, h.fetcher.Resolves())
}

func TestSubmitURL_ResolveFailureClosesSession(t *testing.T) {
	h := newHarness(t, nil)
	h.fetcher.SetInfoError(testURL, &net.OpError{Op: "dial", Err: errors.New("refused")})

	_, err := h.engine.SubmitURL(context.Background(), "u1", testURL)
	require.Error(t, err)
	assert.ErrorIs(t, err, media.ErrNetwork)
	assert.True(t, media.Retryable(err))

	_, err = h.sessions.Get("u1")
	assert.ErrorIs(t, err, media.ErrSessionAbsent)
}

func TestSubmitURL_CachesInfo(t *testing.T) {
	h := newHarness(t, nil)

	for _, user := range []media.UserID{"a", "b", "c"} {
		_, err := h.engine.SubmitURL(context.Background(), user, testURL)
		require.NoError(t, err)
	}
	assert.Equal(t, 1, h.fetcher.Resolves())
}

func TestSubmitURL_PlaylistsDisabled(t *testing.T) {
	h := newHarness(t, func(c *Config, _ *Deps) { c.EnablePlaylists = false })
	h.fetcher.SetInfo(testURL, &media.Info{Title: "Mix", IsPlaylist: true, Entries: []media.Entry{{URL: "https://example.com/1"}}})

	_, err := h.engine.SubmitURL(context.Background(), "u1", testURL)
	assert.ErrorIs(t, err, media.ErrUnsupportedFormat)
}

type denyAll struct{}

func (denyAll) Authorize(context.Context, policy.Request) (policy.Decision, error) {
	return policy.Decision{Allow: false, Reason: "banned"}, nil
}

func TestSubmitURL_Forbidden(t *testing.T) {
	h := newHarness(t, func(_ *Config, d *Deps) { d.Authorizer = denyAll{} })

	_, err := h.engine.SubmitURL(context.Background(), "u1", testURL)
	assert.ErrorIs(t, err, media.ErrForbidden)
	assert.Zero(t, h.fetcher.Resolves())
}

func TestSubmitChoice_SingleVideo(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	p, err := h.engine.SubmitURL(ctx, "u1", testURL)
	require.NoError(t, err)
	ticket, err := h.engine.SubmitChoice(ctx, "u1", option(t, p, session.ActionVideo, "720").Token)
	require.NoError(t, err)
	assert.Equal(t, 1, ticket.Tasks)

	evs := drain(t, ticket.Stream)
	root := rootEvents(p.SessionID, evs)
	require.NotEmpty(t, root)
	assert.Equal(t, progress.PhaseFinished, root[len(root)-1].Phase)

	d := h.deliveries()
	require.Len(t, d, 1)
	assert.Equal(t, 720, d[0].Task.Options.MaxHeight)
	assert.Equal(t, media.KindVideo, d[0].Task.Kind)
	assert.Equal(t, int64(1024), d[0].Size)

	_, err = h.sessions.Get("u1")
	assert.ErrorIs(t, err, media.ErrSessionAbsent, "session closes when the flow ends")

	// Not restartable.
	assert.Empty(t, drain(t, h.engine.GetProgressStream("u1")))

	stats, err := h.engine.Stats(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.History.Succeeded)
	assert.Equal(t, int64(1024), stats.History.Bytes)
	require.Len(t, stats.Recent, 1)
	assert.Equal(t, "example", stats.Recent[0].Platform)
	assert.Equal(t, 1, stats.Quota.Used)
	assert.Nil(t, stats.Session)

	entries, err := os.ReadDir(h.workDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "work directories are removed after delivery")
}

func TestSubmitChoice_Subtitles(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	p, err := h.engine.SubmitURL(ctx, "u1", testURL)
	require.NoError(t, err)
	ticket, err := h.engine.SubmitChoice(ctx, "u1", option(t, p, session.ActionSubtitles, "all").Token)
	require.NoError(t, err)
	drain(t, ticket.Stream)

	d := h.deliveries()
	require.Len(t, d, 1)
	assert.Equal(t, media.KindSubtitles, d[0].Task.Kind)
	assert.Equal(t, []string{"en", "fr"}, d[0].Task.Options.Languages)
}

func TestSubmitURL_EleventhRequestRateLimited(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	for i := 1; i <= 10; i++ {
		p, err := h.engine.SubmitURL(ctx, "u1", testURL)
		require.NoError(t, err, "submission %d", i)
		ticket, err := h.engine.SubmitChoice(ctx, "u1", option(t, p, session.ActionVideo, "360").Token)
		require.NoError(t, err, "submission %d", i)
		drain(t, ticket.Stream)
	}
	resolves := h.fetcher.Resolves()

	_, err := h.engine.SubmitURL(ctx, "u1", "https://example.com/watch/2")
	require.Error(t, err)
	assert.ErrorIs(t, err, media.ErrRateLimited)

	assert.Equal(t, resolves, h.fetcher.Resolves(), "the rejected link is never resolved")
	assert.Equal(t, 10, h.fetcher.Calls(), "the rejected request never reaches the fetcher")
	_, err = h.sessions.Get("u1")
	assert.ErrorIs(t, err, media.ErrSessionAbsent, "no session is opened for a rejected request")
}

func TestSubmitURL_ResumeIsNotCharged(t *testing.T) {
	h := newHarness(t, func(c *Config, _ *Deps) { c.RatePerHour = 1 })
	ctx := context.Background()

	p, err := h.engine.SubmitURL(ctx, "u1", testURL)
	require.NoError(t, err)

	again, err := h.engine.SubmitURL(ctx, "u1", testURL)
	require.NoError(t, err)
	assert.True(t, again.Resumed)
	assert.Equal(t, p.SessionID, again.SessionID)

	ticket, err := h.engine.SubmitChoice(ctx, "u1", option(t, again, session.ActionVideo, "360").Token)
	require.NoError(t, err)
	drain(t, ticket.Stream)

	_, err = h.engine.SubmitURL(ctx, "u1", testURL)
	assert.ErrorIs(t, err, media.ErrRateLimited)
}

func TestSubmitChoice_RepeatedTapAdvancesOnce(t *testing.T) {
	h := newHarness(t, nil)
	release := make(chan struct{})
	h.fetcher.OnFetch = func(ctx context.Context, req media.FetchRequest, _ media.ProgressSink) (string, error) {
		select {
		case <-release:
		case <-ctx.Done():
			return "", ctx.Err()
		}
		return mediatest.WriteFile(req.Dir, "v.mp4", 8)
	}
	ctx := context.Background()

	p, err := h.engine.SubmitURL(ctx, "u1", testURL)
	require.NoError(t, err)
	token := option(t, p, session.ActionAudio, "mp3").Token

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = h.engine.SubmitChoice(ctx, "u1", token)
		}()
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		assert.ErrorIs(t, err, media.ErrInvalidTransition)
	}
	assert.Equal(t, 1, ok)

	close(release)
	drain(t, h.engine.GetProgressStream("u1"))
	assert.Equal(t, 1, h.fetcher.Calls())

	q, err := h.engine.Stats(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, q.Quota.Used, "one admission per logical action")
}

func TestSubmitChoice_BadTokens(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	_, err := h.engine.SubmitChoice(ctx, "u1", "garbage")
	assert.ErrorIs(t, err, media.ErrInvalidTransition)

	_, err = h.engine.SubmitChoice(ctx, "u1", "abcd1234:download-video:720")
	assert.ErrorIs(t, err, media.ErrSessionAbsent, "no session")

	p, err := h.engine.SubmitURL(ctx, "u1", testURL)
	require.NoError(t, err)

	_, err = h.engine.SubmitChoice(ctx, "u1", tokenPrefix(p.SessionID)+":download-video:4320")
	assert.ErrorIs(t, err, media.ErrInvalidTransition, "not on offer")

	_, err = h.engine.SubmitChoice(ctx, "u1", tokenPrefix(p.SessionID)+":download-playlist-batch:all")
	assert.ErrorIs(t, err, media.ErrInvalidTransition, "playlist choice on a single video")

	stale := option(t, p, session.ActionVideo, "720").Token
	require.NoError(t, h.engine.CancelCurrent("u1"))
	_, err = h.engine.SubmitURL(ctx, "u1", testURL)
	require.NoError(t, err)
	_, err = h.engine.SubmitChoice(ctx, "u1", stale)
	assert.ErrorIs(t, err, media.ErrSessionAbsent, "token from an earlier session")
}

func TestSubmitChoice_Playlist(t *testing.T) {
	h := newHarness(t, nil)
	info := &media.Info{Title: "Mix", Platform: "example", IsPlaylist: true}
	for i := 0; i < 12; i++ {
		info.Entries = append(info.Entries, media.Entry{
			ID:    fmt.Sprint(i),
			URL:   fmt.Sprintf("https://example.com/watch/%d", i),
			Title: fmt.Sprintf("Item %d", i),
		})
	}
	h.fetcher.SetInfo(testURL, info)
	h.fetcher.OnFetch = func(_ context.Context, req media.FetchRequest, sink media.ProgressSink) (string, error) {
		time.Sleep(5 * time.Millisecond)
		if strings.HasSuffix(req.URL, "/4") || strings.HasSuffix(req.URL, "/9") {
			return "", &net.OpError{Op: "read", Err: errors.New("connection reset")}
		}
		sink(50, "halfway")
		return mediatest.WriteFile(req.Dir, "v.mp4", 32)
	}
	ctx := context.Background()

	p, err := h.engine.SubmitURL(ctx, "u1", testURL)
	require.NoError(t, err)

	var params []string
	for _, o := range p.Options {
		params = append(params, o.Choice.Param)
	}
	assert.Equal(t, []string{"5", "10", "all"}, params)

	ticket, err := h.engine.SubmitChoice(ctx, "u1", option(t, p, session.ActionPlaylist, "all").Token)
	require.NoError(t, err)
	assert.Equal(t, 12, ticket.Tasks)

	root := rootEvents(p.SessionID, drain(t, ticket.Stream))
	require.NotEmpty(t, root)
	last := root[len(root)-1]
	assert.Equal(t, progress.PhaseFinished, last.Phase)
	assert.Equal(t, "10 of 12 downloaded, 2 failed", last.Message)

	assert.Len(t, h.deliveries(), 10)
	assert.LessOrEqual(t, h.fetcher.MaxInFlight(), 3)

	stats, err := h.engine.Stats(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 12, stats.History.Total)
	assert.Equal(t, 2, stats.History.Failed)
	assert.Equal(t, 1, stats.Quota.Used, "a playlist is one admission")
}

func TestSubmitChoice_FetcherPanicFailsFlowOnly(t *testing.T) {
	h := newHarness(t, nil)
	h.fetcher.OnFetch = func(context.Context, media.FetchRequest, media.ProgressSink) (string, error) {
		panic("extractor blew up")
	}
	ctx := context.Background()

	p, err := h.engine.SubmitURL(ctx, "u1", testURL)
	require.NoError(t, err)
	ticket, err := h.engine.SubmitChoice(ctx, "u1", option(t, p, session.ActionVideo, "720").Token)
	require.NoError(t, err)

	root := rootEvents(p.SessionID, drain(t, ticket.Stream))
	require.NotEmpty(t, root)
	assert.Equal(t, progress.PhaseFailed, root[len(root)-1].Phase)
	assert.Equal(t, media.Describe(media.ErrExtraction), root[len(root)-1].Message)

	_, err = h.sessions.Get("u1")
	assert.ErrorIs(t, err, media.ErrSessionAbsent)
	assert.Zero(t, h.dispatcher.InUse(), "slot released")
	assert.Empty(t, h.deliveries())

	recent, err := h.store.History().Recent(ctx, "u1", 1)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, storage.StatusFailed, recent[0].Status)
	assert.Equal(t, "extraction_failure", recent[0].ErrorCode)

	h.fetcher.OnFetch = nil
	p, err = h.engine.SubmitURL(ctx, "u1", testURL)
	require.NoError(t, err)
	ticket, err = h.engine.SubmitChoice(ctx, "u1", option(t, p, session.ActionVideo, "720").Token)
	require.NoError(t, err)
	root = rootEvents(p.SessionID, drain(t, ticket.Stream))
	require.NotEmpty(t, root)
	assert.Equal(t, progress.PhaseFinished, root[len(root)-1].Phase, "the engine keeps serving")
}

func TestCancelCurrent_MidFlight(t *testing.T) {
	h := newHarness(t, nil)
	started := make(chan string, 1)
	h.fetcher.OnFetch = func(ctx context.Context, req media.FetchRequest, _ media.ProgressSink) (string, error) {
		if _, err := mediatest.WriteFile(req.Dir, "v.mp4.part", 512); err != nil {
			return "", err
		}
		started <- req.Dir
		<-ctx.Done()
		return "", ctx.Err()
	}
	ctx := context.Background()

	p, err := h.engine.SubmitURL(ctx, "u1", testURL)
	require.NoError(t, err)
	ticket, err := h.engine.SubmitChoice(ctx, "u1", option(t, p, session.ActionVideo, "720").Token)
	require.NoError(t, err)
	stream := h.engine.GetProgressStream("u1")
	assert.Same(t, ticket.Stream, stream)

	var dir string
	select {
	case dir = <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("fetch never started")
	}
	assert.Equal(t, 1, h.dispatcher.InUse())

	require.NoError(t, h.engine.CancelCurrent("u1"))
	root := rootEvents(p.SessionID, drain(t, stream))
	require.NotEmpty(t, root)
	assert.Equal(t, progress.PhaseFailed, root[len(root)-1].Phase)

	assert.NoDirExists(t, dir, "partial output is removed")
	assert.Zero(t, h.dispatcher.InUse(), "slot released")
	assert.Empty(t, h.deliveries())

	recent, err := h.store.History().Recent(ctx, "u1", 1)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, storage.StatusCancelled, recent[0].Status)

	_, err = h.sessions.Get("u1")
	assert.ErrorIs(t, err, media.ErrSessionAbsent)
	assert.ErrorIs(t, h.engine.CancelCurrent("u1"), media.ErrSessionAbsent)
}

func TestCancelCurrent_PlaylistRecordsEveryItem(t *testing.T) {
	h := newHarness(t, nil)
	info := &media.Info{Title: "Mix", Platform: "example", IsPlaylist: true}
	for i := 0; i < 12; i++ {
		info.Entries = append(info.Entries, media.Entry{
			ID:    fmt.Sprint(i),
			URL:   fmt.Sprintf("https://example.com/watch/%d", i),
			Title: fmt.Sprintf("Item %d", i),
		})
	}
	h.fetcher.SetInfo(testURL, info)
	started := make(chan struct{}, 12)
	h.fetcher.OnFetch = func(ctx context.Context, _ media.FetchRequest, _ media.ProgressSink) (string, error) {
		started <- struct{}{}
		<-ctx.Done()
		return "", ctx.Err()
	}
	ctx := context.Background()

	p, err := h.engine.SubmitURL(ctx, "u1", testURL)
	require.NoError(t, err)
	ticket, err := h.engine.SubmitChoice(ctx, "u1", option(t, p, session.ActionPlaylist, "all").Token)
	require.NoError(t, err)

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("fetch never started")
	}
	require.NoError(t, h.engine.CancelCurrent("u1"))
	drain(t, ticket.Stream)

	recent, err := h.store.History().Recent(ctx, "u1", 50)
	require.NoError(t, err)
	assert.Len(t, recent, 12, "items that never started are logged too")
	for _, r := range recent {
		assert.Equal(t, storage.StatusCancelled, r.Status)
		assert.Equal(t, "cancelled", r.ErrorCode)
	}

	stats, err := h.engine.Stats(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 12, stats.History.Total)
	assert.Equal(t, 12, stats.History.Cancelled)
}

func TestCancelCurrent_AwaitingChoice(t *testing.T) {
	h := newHarness(t, nil)

	_, err := h.engine.SubmitURL(context.Background(), "u1", testURL)
	require.NoError(t, err)
	require.NoError(t, h.engine.CancelCurrent("u1"))

	_, err = h.sessions.Get("u1")
	assert.ErrorIs(t, err, media.ErrSessionAbsent)
}

func TestShutdown_StopsRunningFlows(t *testing.T) {
	h := newHarness(t, nil)
	h.fetcher.OnFetch = func(ctx context.Context, _ media.FetchRequest, _ media.ProgressSink) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}
	ctx := context.Background()

	for _, user := range []media.UserID{"a", "b"} {
		p, err := h.engine.SubmitURL(ctx, user, testURL)
		require.NoError(t, err)
		_, err = h.engine.SubmitChoice(ctx, user, option(t, p, session.ActionAudio, "mp3").Token)
		require.NoError(t, err)
	}

	sctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, h.engine.Shutdown(sctx))
	assert.Zero(t, h.dispatcher.InUse())
}

func TestAdminStats(t *testing.T) {
	pol, err := policy.NewEngine(config.PolicyConfig{AdminIDs: []string{"boss"}}, zerolog.Nop())
	require.NoError(t, err)
	h := newHarness(t, func(c *Config, d *Deps) {
		c.MaxFileSize = 50 << 20
		d.Authorizer = pol
	})
	ctx := context.Background()

	for _, user := range []media.UserID{"u1", "u2"} {
		p, err := h.engine.SubmitURL(ctx, user, testURL)
		require.NoError(t, err)
		ticket, err := h.engine.SubmitChoice(ctx, user, option(t, p, session.ActionAudio, "mp3").Token)
		require.NoError(t, err)
		drain(t, ticket.Stream)
	}

	_, err = h.engine.AdminStats(ctx, "u1")
	assert.ErrorIs(t, err, media.ErrForbidden, "non-admins are refused")

	st, err := h.engine.AdminStats(ctx, "boss")
	require.NoError(t, err)
	assert.Equal(t, 2, st.Usage.Users)
	assert.Equal(t, 2, st.Usage.Succeeded)
	assert.Equal(t, 2, st.Usage.RecentTotal)
	assert.Equal(t, 2, st.Usage.RecentSucceeded)
	assert.True(t, st.Usage.Since.Equal(h.clock.Now().Add(-AdminWindow)))
	assert.Zero(t, st.ActiveFlows)
	assert.Equal(t, Settings{
		MaxFileSize:      50 << 20,
		MaxConcurrent:    5,
		RatePerHour:      10,
		BatchConcurrency: 3,
		MaxPlaylistItems: 50,
		EnablePlaylists:  true,
	}, st.Settings)
}

func TestAdminStats_NoPolicyRefusesEveryone(t *testing.T) {
	h := newHarness(t, nil)

	_, err := h.engine.AdminStats(context.Background(), "boss")
	assert.ErrorIs(t, err, media.ErrForbidden)
}

func TestDecodeToken(t *testing.T) {
	prefix, c, err := decodeToken("0123abcd:extract-audio:mp3")
	require.NoError(t, err)
	assert.Equal(t, "0123abcd", prefix)
	assert.Equal(t, session.Choice{Action: session.ActionAudio, Param: "mp3"}, c)

	for _, bad := range []string{"", "a:b", "a:b:c:d", ":download-video:1", strings.Repeat("x", 40) + ":download-video:" + strings.Repeat("9", 20)} {
		_, _, err := decodeToken(bad)
		assert.ErrorIs(t, err, media.ErrInvalidTransition, bad)
	}
}
