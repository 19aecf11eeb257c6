package settlement_test

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/instantswap/pkg/core"
	"github.com/uhyunpark/instantswap/pkg/crypto"
	"github.com/uhyunpark/instantswap/pkg/ledger"
	"github.com/uhyunpark/instantswap/pkg/settlement"
	"github.com/uhyunpark/instantswap/pkg/storage"
	"github.com/uhyunpark/instantswap/pkg/token"
	"github.com/uhyunpark/instantswap/pkg/util"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var (
	venue  = common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")
	tokenA = common.HexToAddress("0xe7f1725E7734CE288F8367e1Bb143E90bb3F0512")
	tokenB = common.HexToAddress("0x9fE46736679d2D9a65F0992F2272dE9f3c7fa6e0")

	tenEth  = new(big.Int).Mul(big.NewInt(10), big.NewInt(1e18))
	fiveEth = new(big.Int).Mul(big.NewInt(5), big.NewInt(1e18))
	start   = time.Unix(1_700_000_000, 0)
)

type recordingJournal struct {
	mu    sync.Mutex
	lines []string
}

func (j *recordingJournal) Append(line string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.lines = append(j.lines, line)
}

func (j *recordingJournal) Lines() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.lines...)
}

// failingRegistry serves bank tokens one leg at a time and fails transfers of one token
type failingRegistry struct {
	bank *token.Bank
	fail common.Address
}

func (r *failingRegistry) Token(addr common.Address) (token.Token, error) {
	tok, err := r.bank.Token(addr)
	if err != nil {
		return nil, err
	}
	if addr == r.fail {
		return &failingToken{Token: tok}, nil
	}
	return tok, nil
}

type failingToken struct {
	token.Token
}

func (t *failingToken) TransferFrom(context.Context, common.Address, common.Address, *big.Int) error {
	return errors.New("execution reverted")
}

func mustKey() *crypto.Signer {
	s, err := crypto.GenerateKey()
	Expect(err).Should(BeNil())
	return s
}

func balanceOf(bank *token.Bank, tok, account common.Address) string {
	t, err := bank.Token(tok)
	Expect(err).Should(BeNil())
	bal, err := t.BalanceOf(context.Background(), account)
	Expect(err).Should(BeNil())
	return bal.String()
}

var _ = Describe("Engine", func() {
	var (
		ctx      context.Context
		codec    *crypto.Codec
		bank     *token.Bank
		l        *ledger.Memory
		clock    *util.ManualClock
		engine   *settlement.Engine
		receipts *storage.InMemoryReceiptStore
		journal  *recordingJournal

		maker, taker, stranger *crypto.Signer
		order                  *core.SwapOrder
		signature              []byte
	)

	fund := func(b *token.Bank, multiple int64) {
		m := big.NewInt(multiple)
		Expect(b.Mint(tokenA, maker.Address(), new(big.Int).Mul(tenEth, m))).Should(Succeed())
		Expect(b.Mint(tokenB, taker.Address(), new(big.Int).Mul(fiveEth, m))).Should(Succeed())
		Expect(b.Approve(tokenA, maker.Address(), venue, new(big.Int).Mul(tenEth, m))).Should(Succeed())
		Expect(b.Approve(tokenB, taker.Address(), venue, new(big.Int).Mul(fiveEth, m))).Should(Succeed())
	}

	sign := func(o *core.SwapOrder) []byte {
		sig, err := codec.SignOrder(maker, o)
		Expect(err).Should(BeNil())
		return sig
	}

	BeforeEach(func() {
		ctx = context.Background()
		var err error
		codec, err = crypto.NewCodec(crypto.NewDomain(big.NewInt(31337), venue))
		Expect(err).Should(BeNil())

		maker, taker, stranger = mustKey(), mustKey(), mustKey()
		bank = token.NewBank(venue)
		fund(bank, 1)

		l = ledger.NewMemory()
		clock = util.NewManualClock(start)
		receipts = storage.NewInMemoryReceiptStore()
		journal = &recordingJournal{}

		engine = settlement.NewEngine(codec, l, bank, venue)
		engine.Clock = clock
		engine.Receipts = receipts
		engine.Journal = journal

		order = &core.SwapOrder{
			Maker:   maker.Address(),
			Taker:   taker.Address(),
			TokenM:  tokenA,
			TokenT:  tokenB,
			AmountM: tenEth,
			AmountT: fiveEth,
			Expiry:  uint64(start.Unix()) + 3600,
			Nonce:   big.NewInt(1),
		}
		signature = sign(order)
	})

	Context("with a valid order and funded parties", func() {
		It("should swap exactly the signed amounts", func() {
			receipt, err := engine.Settle(ctx, order, signature, taker.Address())
			Expect(err).Should(BeNil())

			Expect(balanceOf(bank, tokenA, maker.Address())).Should(Equal("0"))
			Expect(balanceOf(bank, tokenB, maker.Address())).Should(Equal(fiveEth.String()))
			Expect(balanceOf(bank, tokenA, taker.Address())).Should(Equal(tenEth.String()))
			Expect(balanceOf(bank, tokenB, taker.Address())).Should(Equal("0"))

			digest, _ := codec.Digest(order)
			Expect(receipt.Digest).Should(Equal(digest))
			Expect(receipt.Taker).Should(Equal(taker.Address()))
			Expect(receipt.SettledAt).Should(Equal(start.Unix()))

			stored, err := receipts.LoadReceipt(order.Key())
			Expect(err).Should(BeNil())
			Expect(stored).ShouldNot(BeNil())
			Expect(stored.Digest).Should(Equal(digest))

			status, err := engine.Status(order.Key())
			Expect(err).Should(BeNil())
			Expect(status).Should(Equal(settlement.StatusConsumed))

			Expect(journal.Lines()).Should(HaveLen(2))
			Expect(journal.Lines()[1]).Should(HavePrefix("settled"))
		})

		It("should reject a replay without moving funds", func() {
			fund(bank, 1)
			_, err := engine.Settle(ctx, order, signature, taker.Address())
			Expect(err).Should(BeNil())

			makerA := balanceOf(bank, tokenA, maker.Address())
			takerB := balanceOf(bank, tokenB, taker.Address())

			_, err = engine.Settle(ctx, order, signature, taker.Address())
			Expect(errors.Is(err, settlement.ErrAlreadyConsumed)).Should(BeTrue())
			Expect(settlement.Code(err)).Should(Equal(settlement.CodeAlreadyConsumed))

			Expect(balanceOf(bank, tokenA, maker.Address())).Should(Equal(makerA))
			Expect(balanceOf(bank, tokenB, taker.Address())).Should(Equal(takerB))
		})

		It("should invoke the settle hook with the receipt", func() {
			var got *core.Receipt
			engine.OnSettle = func(r *core.Receipt) { got = r }

			receipt, err := engine.Settle(ctx, order, signature, taker.Address())
			Expect(err).Should(BeNil())
			Expect(got).Should(Equal(receipt))
		})
	})

	Context("when the caller is not the named taker", func() {
		It("should fail with Unauthorized and leave the order open", func() {
			Expect(bank.Mint(tokenB, stranger.Address(), fiveEth)).Should(Succeed())
			Expect(bank.Approve(tokenB, stranger.Address(), venue, fiveEth)).Should(Succeed())

			_, err := engine.Settle(ctx, order, signature, stranger.Address())
			Expect(errors.Is(err, settlement.ErrUnauthorized)).Should(BeTrue())

			status, _ := engine.Status(order.Key())
			Expect(status).Should(Equal(settlement.StatusUnconsumed))

			_, err = engine.Settle(ctx, order, signature, taker.Address())
			Expect(err).Should(BeNil())
		})
	})

	Context("when the taker is the wildcard", func() {
		BeforeEach(func() {
			order.Taker = core.WildcardTaker
			signature = sign(order)
		})

		It("should let any caller settle", func() {
			Expect(bank.Mint(tokenB, stranger.Address(), fiveEth)).Should(Succeed())
			Expect(bank.Approve(tokenB, stranger.Address(), venue, fiveEth)).Should(Succeed())

			receipt, err := engine.Settle(ctx, order, signature, stranger.Address())
			Expect(err).Should(BeNil())
			Expect(receipt.Taker).Should(Equal(stranger.Address()))
			Expect(balanceOf(bank, tokenA, stranger.Address())).Should(Equal(tenEth.String()))
		})

		It("should not let the maker take its own order", func() {
			_, err := engine.Settle(ctx, order, signature, maker.Address())
			Expect(errors.Is(err, settlement.ErrUnauthorized)).Should(BeTrue())
		})
	})

	Context("when the order has expired", func() {
		It("should fail with Expired at exactly the expiry second", func() {
			clock.Set(time.Unix(int64(order.Expiry), 0))
			_, err := engine.Settle(ctx, order, signature, taker.Address())
			Expect(errors.Is(err, settlement.ErrExpired)).Should(BeTrue())
		})

		It("should report Expired ahead of a bad signature", func() {
			clock.Advance(2 * time.Hour)
			_, err := engine.Settle(ctx, order, []byte("garbage"), taker.Address())
			Expect(settlement.Code(err)).Should(Equal(settlement.CodeExpired))
		})
	})

	Context("when the signature does not belong to the maker", func() {
		It("should fail with InvalidSignature for a foreign key", func() {
			foreign, err := codec.SignOrder(stranger, order)
			Expect(err).Should(BeNil())

			_, err = engine.Settle(ctx, order, foreign, taker.Address())
			Expect(errors.Is(err, settlement.ErrInvalidSignature)).Should(BeTrue())
		})

		It("should fail with InvalidSignature for a tampered order", func() {
			tampered := order.Clone()
			tampered.AmountT = big.NewInt(1)

			_, err := engine.Settle(ctx, tampered, signature, taker.Address())
			Expect(errors.Is(err, settlement.ErrInvalidSignature)).Should(BeTrue())
		})

		It("should fail with InvalidSignature for malformed bytes", func() {
			for _, sig := range [][]byte{nil, signature[:64], make([]byte, crypto.SignatureLength)} {
				_, err := engine.Settle(ctx, order, sig, taker.Address())
				Expect(errors.Is(err, settlement.ErrInvalidSignature)).Should(BeTrue())
			}
			Expect(l.Len()).Should(Equal(0))
		})
	})

	Context("when a party cannot pay", func() {
		It("should fail with InsufficientFunds on a short balance", func() {
			order.AmountM = new(big.Int).Add(tenEth, big.NewInt(1))
			signature = sign(order)

			_, err := engine.Settle(ctx, order, signature, taker.Address())
			Expect(errors.Is(err, settlement.ErrInsufficientFunds)).Should(BeTrue())
			Expect(l.Len()).Should(Equal(0))
		})

		It("should fail with InsufficientFunds on a missing approval", func() {
			Expect(bank.Approve(tokenB, taker.Address(), venue, big.NewInt(0))).Should(Succeed())

			_, err := engine.Settle(ctx, order, signature, taker.Address())
			Expect(errors.Is(err, settlement.ErrInsufficientFunds)).Should(BeTrue())
		})

		It("should fail with InsufficientFunds for an unknown token", func() {
			order.TokenT = common.HexToAddress("0xdead")
			signature = sign(order)

			_, err := engine.Settle(ctx, order, signature, taker.Address())
			Expect(errors.Is(err, settlement.ErrInsufficientFunds)).Should(BeTrue())
		})
	})

	Context("when the order is structurally invalid", func() {
		It("should fail with InvalidOrder before anything else", func() {
			order.AmountM = big.NewInt(0)
			clock.Advance(24 * time.Hour)

			_, err := engine.Settle(ctx, order, signature, taker.Address())
			Expect(settlement.Code(err)).Should(Equal(settlement.CodeInvalidOrder))

			_, err = engine.Settle(ctx, nil, signature, taker.Address())
			Expect(errors.Is(err, settlement.ErrInvalidOrder)).Should(BeTrue())
		})

		It("should report a self-trade as InvalidOrder ahead of Expired", func() {
			order.Taker = maker.Address()
			signature = sign(order)
			clock.Advance(2 * time.Hour)

			_, err := engine.Settle(ctx, order, signature, maker.Address())
			Expect(settlement.Code(err)).Should(Equal(settlement.CodeInvalidOrder))
		})
	})

	Context("when a transfer fails after the order is consumed", func() {
		It("should burn the order when the second leg fails", func() {
			engine = settlement.NewEngine(codec, l, &failingRegistry{bank: bank, fail: tokenB}, venue)
			engine.Clock = clock
			engine.Journal = journal

			_, err := engine.Settle(ctx, order, signature, taker.Address())
			Expect(errors.Is(err, settlement.ErrPartialTransferFailure)).Should(BeTrue())

			// first leg stays applied
			Expect(balanceOf(bank, tokenA, taker.Address())).Should(Equal(tenEth.String()))
			Expect(balanceOf(bank, tokenB, maker.Address())).Should(Equal("0"))

			_, err = engine.Settle(ctx, order, signature, taker.Address())
			Expect(errors.Is(err, settlement.ErrAlreadyConsumed)).Should(BeTrue())
			Expect(journal.Lines()[len(journal.Lines())-1]).Should(HavePrefix("burned"))
		})

		It("should burn the order when the first leg fails", func() {
			engine = settlement.NewEngine(codec, l, &failingRegistry{bank: bank, fail: tokenA}, venue)
			engine.Clock = clock

			_, err := engine.Settle(ctx, order, signature, taker.Address())
			Expect(settlement.Code(err)).Should(Equal(settlement.CodePartialTransferFailure))

			Expect(balanceOf(bank, tokenA, maker.Address())).Should(Equal(tenEth.String()))
			status, _ := engine.Status(order.Key())
			Expect(status).Should(Equal(settlement.StatusConsumed))
		})
	})

	Context("when many callers race for the same order", func() {
		It("should let exactly one succeed", func() {
			const n = 32
			fund(bank, n)

			var wg sync.WaitGroup
			results := make(chan error, n)
			for i := 0; i < n; i++ {
				wg.Add(1)
				go func() {
					defer GinkgoRecover()
					defer wg.Done()
					_, err := engine.Settle(ctx, order, signature, taker.Address())
					results <- err
				}()
			}
			wg.Wait()
			close(results)

			successes, consumed := 0, 0
			for err := range results {
				switch {
				case err == nil:
					successes++
				case errors.Is(err, settlement.ErrAlreadyConsumed):
					consumed++
				default:
					Fail(fmt.Sprintf("unexpected error: %v", err))
				}
			}
			Expect(successes).Should(Equal(1))
			Expect(consumed).Should(Equal(n - 1))

			// maker started with (n+1) * 10e18 and paid once
			Expect(balanceOf(bank, tokenA, maker.Address())).Should(Equal(new(big.Int).Mul(tenEth, big.NewInt(n)).String()))
		})

		It("should settle different nonces of one maker independently", func() {
			fund(bank, 1)
			second := order.Clone()
			second.Nonce = big.NewInt(2)

			_, err := engine.Settle(ctx, order, signature, taker.Address())
			Expect(err).Should(BeNil())
			_, err = engine.Settle(ctx, second, sign(second), taker.Address())
			Expect(err).Should(BeNil())
		})
	})

	Describe("Code", func() {
		It("should map wrapped errors to their taxonomy names", func() {
			Expect(settlement.Code(nil)).Should(BeEmpty())
			Expect(settlement.Code(fmt.Errorf("ctx: %w", settlement.ErrExpired))).Should(Equal(settlement.CodeExpired))
			Expect(settlement.Code(errors.New("disk full"))).Should(Equal(settlement.CodeInternal))
		})
	})
})
