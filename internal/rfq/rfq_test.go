package rfq

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"intercomswap/internal/crypto"
	"intercomswap/internal/metrics"
	"intercomswap/internal/proto"
	"intercomswap/internal/swap"
)

const (
	wsolMint   = "So11111111111111111111111111111111111111112"
	systemAddr = "11111111111111111111111111111111"
)

var now0 = time.Unix(1770000000, 0)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newKey(t *testing.T) *crypto.Keypair {
	t.Helper()
	kp, err := crypto.GenKeypair()
	require.NoError(t, err)
	return kp
}

func fixedPolicy(platform, trade int, window int64) QuotePolicy {
	return QuotePolicyFunc(func(_ context.Context, rfq *proto.RFQBody, _ string) (*proto.QuoteBody, error) {
		return &proto.QuoteBody{
			BtcSats:            rfq.BtcSats,
			UsdtAmount:         rfq.UsdtAmount,
			PlatformFeeBps:     platform,
			TradeFeeBps:        trade,
			SolRefundWindowSec: window,
		}, nil
	})
}

func rfqBody() proto.RFQBody {
	return proto.RFQBody{
		RFQChannel:            "0000intercomswapbtcusdt",
		Pair:                  swap.PairBTCLNUSDTSOL,
		Direction:             swap.DirBTCToUSDT,
		AppHash:               strings.Repeat("ab", 32),
		BtcSats:               50_000,
		UsdtAmount:            "33000000",
		MaxPlatformFeeBps:     50,
		MaxTradeFeeBps:        50,
		MaxTotalFeeBps:        100,
		MinSolRefundWindowSec: 3600,
		MaxSolRefundWindowSec: 7 * 24 * 3600,
	}
}

type fixture struct {
	clk      *clock
	makerKey *crypto.Keypair
	takerKey *crypto.Keypair
	maker    *Maker
	taker    *Taker
	metrics  *metrics.Metrics
}

func newFixture(t *testing.T, policy QuotePolicy) *fixture {
	t.Helper()
	f := &fixture{clk: &clock{t: now0}, makerKey: newKey(t), takerKey: newKey(t), metrics: metrics.New()}
	var err error
	f.maker, err = NewMaker(MakerOptions{
		Options: Options{Key: f.makerKey, Now: f.clk.Now, Metrics: f.metrics},
		Policy:  policy,
	})
	require.NoError(t, err)
	f.taker, err = NewTaker(TakerOptions{Options: Options{Key: f.takerKey, Now: f.clk.Now}})
	require.NoError(t, err)
	return f
}

// negotiate runs RFQ -> quote -> accept and returns the accept envelope.
func (f *fixture) negotiate(t *testing.T) (proto.Envelope, proto.Envelope) {
	t.Helper()
	ctx := context.Background()
	rfq, err := f.taker.NewRFQ(ctx, "", rfqBody())
	require.NoError(t, err)
	quote, err := f.maker.HandleRFQ(ctx, rfq)
	require.NoError(t, err)
	require.NotNil(t, quote)
	took, err := f.taker.HandleQuote(ctx, *quote)
	require.NoError(t, err)
	require.True(t, took)
	accept, err := f.taker.Accept(ctx, rfq.TradeID)
	require.NoError(t, err)
	return rfq, accept
}

func TestHappyPathReachesInvited(t *testing.T) {
	f := newFixture(t, fixedPolicy(10, 10, 72*3600))
	ctx := context.Background()
	rfq, accept := f.negotiate(t)
	require.True(t, strings.HasPrefix(rfq.TradeID, TradeIDPrefix))

	invite, err := f.maker.HandleQuoteAccept(ctx, accept)
	require.NoError(t, err)
	require.NotNil(t, invite)
	require.Equal(t, proto.KindSwapInvite, invite.Kind)

	body, err := f.taker.HandleSwapInvite(ctx, *invite)
	require.NoError(t, err)
	require.NotNil(t, body)
	require.Equal(t, SwapChannel(rfq.TradeID), body.SwapChannel)
	require.Equal(t, f.takerKey.PubHex(), body.Invite.Payload.InviteePubKey)

	mt, err := f.maker.Trade(rfq.TradeID)
	require.NoError(t, err)
	tt, err := f.taker.Trade(rfq.TradeID)
	require.NoError(t, err)
	assert.Equal(t, StateInvited, mt.State)
	assert.Equal(t, StateInvited, tt.State)
	assert.Equal(t, mt.RFQID, tt.RFQID)
	assert.Equal(t, mt.QuoteID, tt.QuoteID)

	rfqID, err := proto.Hash(rfq)
	require.NoError(t, err)
	assert.Equal(t, rfqID, mt.RFQID)
	assert.EqualValues(t, 1, f.metrics.Snapshot().Negotiation.InvitesIssued)
}

func TestHijackedAcceptIsIgnored(t *testing.T) {
	f := newFixture(t, fixedPolicy(10, 10, 72*3600))
	ctx := context.Background()
	rfq, accept := f.negotiate(t)

	// B watched the channel and signs an accept with the same references.
	body, err := proto.BodyAs[*proto.QuoteAcceptBody](accept)
	require.NoError(t, err)
	hijack, err := proto.Build(newKey(t), proto.Fields{Kind: proto.KindQuoteAccept, TradeID: rfq.TradeID, Body: body})
	require.NoError(t, err)

	got, err := f.maker.HandleQuoteAccept(ctx, hijack)
	require.NoError(t, err)
	require.Nil(t, got)
	mt, err := f.maker.Trade(rfq.TradeID)
	require.NoError(t, err)
	require.Equal(t, StateQuoted, mt.State)
	require.EqualValues(t, 1, f.metrics.Snapshot().Negotiation.HijackIgnored)

	first, err := f.maker.HandleQuoteAccept(ctx, accept)
	require.NoError(t, err)
	require.NotNil(t, first)
	require.EqualValues(t, 1, f.metrics.Snapshot().Negotiation.InvitesIssued)
}

func TestDuplicateAcceptReturnsSameInvite(t *testing.T) {
	f := newFixture(t, fixedPolicy(10, 10, 72*3600))
	ctx := context.Background()
	_, accept := f.negotiate(t)
	a, err := f.maker.HandleQuoteAccept(ctx, accept)
	require.NoError(t, err)
	b, err := f.maker.HandleQuoteAccept(ctx, accept)
	require.NoError(t, err)
	require.Equal(t, a.Sig, b.Sig)
	require.EqualValues(t, 1, f.metrics.Snapshot().Negotiation.InvitesIssued)

	// A second, different accept from the same signer is out of order.
	body, err := proto.BodyAs[*proto.QuoteAcceptBody](accept)
	require.NoError(t, err)
	again, err := proto.Build(f.takerKey, proto.Fields{Kind: proto.KindQuoteAccept, TradeID: accept.TradeID, Body: body, Nonce: "other"})
	require.NoError(t, err)
	_, err = f.maker.HandleQuoteAccept(ctx, again)
	require.ErrorIs(t, err, ErrOutOfOrder)
}

func TestAcceptWithWrongReferences(t *testing.T) {
	f := newFixture(t, fixedPolicy(10, 10, 72*3600))
	rfq, _ := f.negotiate(t)
	bogus, err := proto.Build(f.takerKey, proto.Fields{
		Kind:    proto.KindQuoteAccept,
		TradeID: rfq.TradeID,
		Body:    &proto.QuoteAcceptBody{RFQID: strings.Repeat("00", 32), QuoteID: strings.Repeat("11", 32)},
	})
	require.NoError(t, err)
	_, err = f.maker.HandleQuoteAccept(context.Background(), bogus)
	require.ErrorIs(t, err, ErrOutOfOrder)
}

func TestAcceptForUnknownTrade(t *testing.T) {
	f := newFixture(t, fixedPolicy(10, 10, 72*3600))
	env, err := proto.Build(f.takerKey, proto.Fields{
		Kind:    proto.KindQuoteAccept,
		TradeID: "swap_missing",
		Body:    &proto.QuoteAcceptBody{RFQID: strings.Repeat("00", 32), QuoteID: strings.Repeat("11", 32)},
	})
	require.NoError(t, err)
	_, err = f.maker.HandleQuoteAccept(context.Background(), env)
	require.ErrorIs(t, err, ErrTradeNotFound)
}

func TestMakerRefusesOutOfBoundsQuote(t *testing.T) {
	cases := []struct {
		name   string
		policy QuotePolicy
	}{
		{"platform fee", fixedPolicy(60, 0, 72*3600)},
		{"total fee", fixedPolicy(50, 51, 72*3600)},
		{"window too short", fixedPolicy(0, 0, 60)},
		{"window too long", fixedPolicy(0, 0, 30*24*3600)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, tc.policy)
			rfq, err := f.taker.NewRFQ(context.Background(), "", rfqBody())
			require.NoError(t, err)
			_, err = f.maker.HandleRFQ(context.Background(), rfq)
			require.ErrorIs(t, err, ErrOutsideBounds)
			_, err = f.maker.Trade(rfq.TradeID)
			require.ErrorIs(t, err, ErrTradeNotFound)
		})
	}
}

func TestMakerIgnoresExpiredAndDeclined(t *testing.T) {
	f := newFixture(t, fixedPolicy(10, 10, 72*3600))
	ctx := context.Background()
	rfq, err := f.taker.NewRFQ(ctx, "", rfqBody())
	require.NoError(t, err)
	f.clk.Advance(2 * DefaultRFQTTL)
	got, err := f.maker.HandleRFQ(ctx, rfq)
	require.NoError(t, err)
	require.Nil(t, got)

	decline := newFixture(t, QuotePolicyFunc(func(context.Context, *proto.RFQBody, string) (*proto.QuoteBody, error) {
		return nil, nil
	}))
	rfq2, err := decline.taker.NewRFQ(ctx, "", rfqBody())
	require.NoError(t, err)
	got, err = decline.maker.HandleRFQ(ctx, rfq2)
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestMakerRejectsTamperedRFQ(t *testing.T) {
	f := newFixture(t, fixedPolicy(10, 10, 72*3600))
	rfq, err := f.taker.NewRFQ(context.Background(), "", rfqBody())
	require.NoError(t, err)
	rfq.TradeID = "swap_other"
	_, err = f.maker.HandleRFQ(context.Background(), rfq)
	require.ErrorIs(t, err, proto.ErrInvalidSignature)

	_, err = f.maker.HandleRFQ(context.Background(), proto.Envelope{Kind: proto.KindQuote})
	require.ErrorIs(t, err, proto.ErrWrongKind)
}

func TestMakerRepeatsQuoteForSameRFQ(t *testing.T) {
	f := newFixture(t, fixedPolicy(10, 10, 72*3600))
	ctx := context.Background()
	rfq, err := f.taker.NewRFQ(ctx, "", rfqBody())
	require.NoError(t, err)
	a, err := f.maker.HandleRFQ(ctx, rfq)
	require.NoError(t, err)
	b, err := f.maker.HandleRFQ(ctx, rfq)
	require.NoError(t, err)
	require.Equal(t, a.Sig, b.Sig)
}

func TestTakerKeepsFirstQuote(t *testing.T) {
	f := newFixture(t, fixedPolicy(10, 10, 72*3600))
	ctx := context.Background()
	rfq, err := f.taker.NewRFQ(ctx, "", rfqBody())
	require.NoError(t, err)
	q1, err := f.maker.HandleRFQ(ctx, rfq)
	require.NoError(t, err)

	other, err := NewMaker(MakerOptions{Options: Options{Key: newKey(t), Now: f.clk.Now}, Policy: fixedPolicy(0, 0, 72*3600)})
	require.NoError(t, err)
	q2, err := other.HandleRFQ(ctx, rfq)
	require.NoError(t, err)

	took, err := f.taker.HandleQuote(ctx, *q1)
	require.NoError(t, err)
	require.True(t, took)
	took, err = f.taker.HandleQuote(ctx, *q2)
	require.NoError(t, err)
	require.False(t, took)

	tt, err := f.taker.Trade(rfq.TradeID)
	require.NoError(t, err)
	require.Equal(t, f.makerKey.PubHex(), tt.QuoteSigner)
}

func TestTakerRejectsOutOfBoundsQuote(t *testing.T) {
	f := newFixture(t, fixedPolicy(10, 10, 72*3600))
	ctx := context.Background()
	rfq, err := f.taker.NewRFQ(ctx, "", rfqBody())
	require.NoError(t, err)
	rfqID, err := proto.Hash(rfq)
	require.NoError(t, err)
	greedy, err := proto.Build(f.makerKey, proto.Fields{Kind: proto.KindQuote, TradeID: rfq.TradeID, Body: &proto.QuoteBody{
		RFQID:              rfqID,
		Pair:               swap.PairBTCLNUSDTSOL,
		Direction:          swap.DirBTCToUSDT,
		AppHash:            strings.Repeat("ab", 32),
		BtcSats:            50_000,
		UsdtAmount:         "33000000",
		PlatformFeeBps:     500,
		SolRefundWindowSec: 72 * 3600,
	}})
	require.NoError(t, err)
	_, err = f.taker.HandleQuote(ctx, greedy)
	require.ErrorIs(t, err, ErrOutsideBounds)
}

func TestTakerIgnoresInviteFromStranger(t *testing.T) {
	f := newFixture(t, fixedPolicy(10, 10, 72*3600))
	ctx := context.Background()
	_, accept := f.negotiate(t)

	mallory, err := NewMaker(MakerOptions{Options: Options{Key: newKey(t), Now: f.clk.Now}, Policy: fixedPolicy(0, 0, 72*3600)})
	require.NoError(t, err)
	// Mallory crafts an invite envelope for the same trade.
	genuine, err := f.maker.HandleQuoteAccept(ctx, accept)
	require.NoError(t, err)
	body, err := proto.BodyAs[*proto.SwapInviteBody](*genuine)
	require.NoError(t, err)
	fake, err := proto.Build(mallory.key, proto.Fields{Kind: proto.KindSwapInvite, TradeID: genuine.TradeID, Body: body})
	require.NoError(t, err)
	got, err := f.taker.HandleSwapInvite(ctx, fake)
	require.NoError(t, err)
	require.Nil(t, got)

	got, err = f.taker.HandleSwapInvite(ctx, *genuine)
	require.NoError(t, err)
	require.NotNil(t, got)
}

func TestTakerRejectsInviteForSomeoneElse(t *testing.T) {
	f := newFixture(t, fixedPolicy(10, 10, 72*3600))
	ctx := context.Background()
	rfq, accept := f.negotiate(t)
	genuine, err := f.maker.HandleQuoteAccept(ctx, accept)
	require.NoError(t, err)
	body, err := proto.BodyAs[*proto.SwapInviteBody](*genuine)
	require.NoError(t, err)
	body.Invite, err = proto.NewInvite(f.makerKey, body.SwapChannel, newKey(t).PubHex(), time.Hour, f.clk.Now())
	require.NoError(t, err)
	env, err := proto.Build(f.makerKey, proto.Fields{Kind: proto.KindSwapInvite, TradeID: rfq.TradeID, Body: body})
	require.NoError(t, err)
	_, err = f.taker.HandleSwapInvite(ctx, env)
	require.ErrorIs(t, err, proto.ErrInviteMismatch)
}

func TestTakerRejectsInviteWithForeignOwnerOrChannel(t *testing.T) {
	f := newFixture(t, fixedPolicy(10, 10, 72*3600))
	ctx := context.Background()
	rfq, accept := f.negotiate(t)
	genuine, err := f.maker.HandleQuoteAccept(ctx, accept)
	require.NoError(t, err)

	// A maker-signed invite that hands channel ownership to another key.
	owned, err := proto.BodyAs[*proto.SwapInviteBody](*genuine)
	require.NoError(t, err)
	owned.OwnerPubKey = newKey(t).PubHex()
	env, err := proto.Build(f.makerKey, proto.Fields{Kind: proto.KindSwapInvite, TradeID: rfq.TradeID, Body: owned})
	require.NoError(t, err)
	_, err = f.taker.HandleSwapInvite(ctx, env)
	require.ErrorIs(t, err, proto.ErrValidation)

	// A maker-signed invite that points at a channel of another trade.
	moved, err := proto.BodyAs[*proto.SwapInviteBody](*genuine)
	require.NoError(t, err)
	moved.SwapChannel = SwapChannel(TradeIDPrefix + "elsewhere")
	moved.Welcome = nil
	moved.Invite, err = proto.NewInvite(f.makerKey, moved.SwapChannel, f.takerKey.PubHex(), time.Hour, f.clk.Now())
	require.NoError(t, err)
	env, err = proto.Build(f.makerKey, proto.Fields{Kind: proto.KindSwapInvite, TradeID: rfq.TradeID, Body: moved})
	require.NoError(t, err)
	_, err = f.taker.HandleSwapInvite(ctx, env)
	require.ErrorIs(t, err, proto.ErrValidation)

	tt, err := f.taker.Trade(rfq.TradeID)
	require.NoError(t, err)
	assert.Equal(t, StateAccepted, tt.State)
	assert.Empty(t, tt.SwapChannel)

	got, err := f.taker.HandleSwapInvite(ctx, *genuine)
	require.NoError(t, err)
	require.NotNil(t, got)
}

func termsEnv(t *testing.T, kp *crypto.Keypair, tradeID string, quote *proto.QuoteBody, refund string) proto.Envelope {
	t.Helper()
	env, err := proto.Build(kp, proto.Fields{Kind: proto.KindTerms, TradeID: tradeID, Body: &proto.TermsBody{
		Pair:               quote.Pair,
		Direction:          quote.Direction,
		BtcSats:            quote.BtcSats,
		UsdtAmount:         quote.UsdtAmount,
		SolMint:            wsolMint,
		SolRecipient:       systemAddr,
		SolRefund:          refund,
		SolRefundAfterUnix: now0.Unix() + quote.SolRefundWindowSec,
	}})
	require.NoError(t, err)
	return env
}

func TestRecordTermsIsWriteOnce(t *testing.T) {
	f := newFixture(t, fixedPolicy(10, 10, 72*3600))
	ctx := context.Background()
	rfq, accept := f.negotiate(t)
	invite, err := f.maker.HandleQuoteAccept(ctx, accept)
	require.NoError(t, err)
	_, err = f.taker.HandleSwapInvite(ctx, *invite)
	require.NoError(t, err)

	mt, err := f.maker.Trade(rfq.TradeID)
	require.NoError(t, err)
	terms := termsEnv(t, f.makerKey, rfq.TradeID, mt.Quote, systemAddr)
	h1, err := f.maker.RecordTerms(terms)
	require.NoError(t, err)
	h2, err := f.taker.RecordTerms(terms)
	require.NoError(t, err)
	require.Equal(t, h1, h2)
	want, err := swap.HashTerms(terms)
	require.NoError(t, err)
	require.Equal(t, want, h1)

	again, err := f.maker.RecordTerms(terms)
	require.NoError(t, err)
	require.Equal(t, h1, again)

	conflicting := termsEnv(t, f.makerKey, rfq.TradeID, mt.Quote, wsolMint)
	_, err = f.maker.RecordTerms(conflicting)
	require.ErrorIs(t, err, ErrTermsConflict)

	stranger := termsEnv(t, newKey(t), rfq.TradeID, mt.Quote, systemAddr)
	_, err = f.taker.RecordTerms(stranger)
	require.ErrorIs(t, err, proto.ErrValidation)

	mt, err = f.maker.Trade(rfq.TradeID)
	require.NoError(t, err)
	require.Equal(t, StateTermsExchanged, mt.State)
}

func TestRecordTermsBeforeInvite(t *testing.T) {
	f := newFixture(t, fixedPolicy(10, 10, 72*3600))
	rfq, _ := f.negotiate(t)
	mt, err := f.maker.Trade(rfq.TradeID)
	require.NoError(t, err)
	_, err = f.maker.RecordTerms(termsEnv(t, f.makerKey, rfq.TradeID, mt.Quote, systemAddr))
	require.ErrorIs(t, err, ErrOutOfOrder)
}

func TestCancelFromCounterpartyOnly(t *testing.T) {
	f := newFixture(t, fixedPolicy(10, 10, 72*3600))
	rfq, accept := f.negotiate(t)

	stray, err := proto.Build(newKey(t), proto.Fields{Kind: proto.KindCancel, TradeID: rfq.TradeID, Body: &proto.CancelBody{Reason: "nope"}})
	require.NoError(t, err)
	ok, err := f.maker.HandleCancel(stray)
	require.NoError(t, err)
	require.False(t, ok)

	cancel, err := f.taker.Cancel(rfq.TradeID, "changed my mind")
	require.NoError(t, err)
	ok, err = f.maker.HandleCancel(cancel)
	require.NoError(t, err)
	require.True(t, ok)

	mt, err := f.maker.Trade(rfq.TradeID)
	require.NoError(t, err)
	require.Equal(t, StateCanceled, mt.State)
	require.Equal(t, "changed my mind", mt.CancelNote)

	_, err = f.maker.HandleQuoteAccept(context.Background(), accept)
	require.ErrorIs(t, err, ErrOutOfOrder)
}

func TestAnnounce(t *testing.T) {
	f := newFixture(t, fixedPolicy(10, 10, 72*3600))
	env, err := f.maker.Announce(proto.SvcAnnounceBody{
		Name:        "maker-1",
		Pairs:       []string{swap.PairBTCLNUSDTSOL},
		RFQChannels: []string{"0000intercomswapbtcusdt"},
	}, time.Minute)
	require.NoError(t, err)
	require.NoError(t, proto.Verify(env))
	body, err := proto.BodyAs[*proto.SvcAnnounceBody](env)
	require.NoError(t, err)
	require.Equal(t, now0.Add(time.Minute).Unix(), body.ValidUntilUnix)
}

func TestConcurrentAcceptsIssueOneInvite(t *testing.T) {
	f := newFixture(t, fixedPolicy(10, 10, 72*3600))
	ctx := context.Background()
	_, accept := f.negotiate(t)
	var wg sync.WaitGroup
	sigs := make(chan string, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			env, err := f.maker.HandleQuoteAccept(ctx, accept)
			if err == nil && env != nil {
				sigs <- env.Sig
			}
		}()
	}
	wg.Wait()
	close(sigs)
	seen := map[string]struct{}{}
	for s := range sigs {
		seen[s] = struct{}{}
	}
	require.Len(t, seen, 1)
	require.EqualValues(t, 1, f.metrics.Snapshot().Negotiation.InvitesIssued)
	require.Equal(t, 0, f.maker.locks.size())
}

func TestLevelStorePersistsTrades(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "trades")
	st, err := OpenLevelStore(dir)
	require.NoError(t, err)
	clk := &clock{t: now0}
	taker, err := NewTaker(TakerOptions{Options: Options{Key: newKey(t), Store: st, Now: clk.Now}})
	require.NoError(t, err)
	rfq, err := taker.NewRFQ(context.Background(), "swap_fixed", rfqBody())
	require.NoError(t, err)
	require.NoError(t, st.Close())

	st, err = OpenLevelStore(dir)
	require.NoError(t, err)
	defer st.Close()
	tr, err := st.Get(rfq.TradeID)
	require.NoError(t, err)
	require.Equal(t, StateRFQOpen, tr.State)
	require.Equal(t, int64(50_000), tr.RFQ.BtcSats)
	_, err = st.Get("swap_none")
	require.ErrorIs(t, err, ErrTradeNotFound)
	all, err := st.List()
	require.NoError(t, err)
	require.Len(t, all, 1)
}

func TestMemoryStoreCopies(t *testing.T) {
	st := NewMemoryStore()
	tr := &Trade{TradeID: "swap_a", State: StateRFQOpen}
	require.NoError(t, st.Put(tr))
	tr.State = StateCanceled
	got, err := st.Get("swap_a")
	require.NoError(t, err)
	require.Equal(t, StateRFQOpen, got.State)
	require.ErrorIs(t, st.Put(&Trade{}), proto.ErrValidation)
}

func TestStaticPolicyDeclinesOutsideCaps(t *testing.T) {
	ctx := context.Background()
	body := rfqBody()
	q, err := StaticPolicy{PlatformFeeBps: 20, TradeFeeBps: 30, RefundWindowSec: 7200}.Quote(ctx, &body, "")
	require.NoError(t, err)
	require.NotNil(t, q)
	require.Equal(t, body.UsdtAmount, q.UsdtAmount)
	require.Equal(t, body.Pair, q.Pair)
	require.Equal(t, int64(7200), q.SolRefundWindowSec)

	for _, p := range []StaticPolicy{
		{PlatformFeeBps: 60, RefundWindowSec: 7200},
		{PlatformFeeBps: 50, TradeFeeBps: 51, RefundWindowSec: 7200},
		{RefundWindowSec: 60},
		{RefundWindowSec: 8 * 24 * 3600},
	} {
		q, err := p.Quote(ctx, &body, "")
		require.NoError(t, err)
		require.Nil(t, q, "%+v", p)
	}
}
