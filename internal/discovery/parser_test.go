package discovery

import (
	"encoding/base64"
	"encoding/binary"
	"testing"
	"time"

	"github.com/mr-tron/base58"

	"solana-fastpath/internal/domain"
)

func record(sig string, slot int64, logs ...string) domain.EventRecord {
	return domain.NewEventRecord(RaydiumAMMV4, sig, slot, logs, nil, false, time.Unix(1700000000, 0))
}

func rayInitLog(pcDecimals, coinDecimals uint8, pcAmount, coinAmount uint64) string {
	data := make([]byte, rayInitLen)
	data[0] = rayLogInit
	binary.LittleEndian.PutUint64(data[1:], 1700000100)
	data[9] = pcDecimals
	data[10] = coinDecimals
	binary.LittleEndian.PutUint64(data[11:], 1)
	binary.LittleEndian.PutUint64(data[19:], 1)
	binary.LittleEndian.PutUint64(data[27:], pcAmount)
	binary.LittleEndian.PutUint64(data[35:], coinAmount)
	for i := 43; i < 75; i++ {
		data[i] = 7
	}
	return "Program log: ray_log: " + base64.StdEncoding.EncodeToString(data)
}

func raySwapLog(tag byte, a, b, c uint64) string {
	data := make([]byte, raySwapLen)
	data[0] = tag
	binary.LittleEndian.PutUint64(data[1:], a)
	binary.LittleEndian.PutUint64(data[9:], b)
	binary.LittleEndian.PutUint64(data[49:], c)
	return "Program log: ray_log: " + base64.StdEncoding.EncodeToString(data)
}

func createEventLog(name, symbol, uri string, mint, curve, user byte) string {
	data := append([]byte{}, createEventDiscriminator...)
	for _, s := range []string{name, symbol, uri} {
		var n [4]byte
		binary.LittleEndian.PutUint32(n[:], uint32(len(s)))
		data = append(data, n[:]...)
		data = append(data, s...)
	}
	for _, b := range []byte{mint, curve, user} {
		key := make([]byte, 32)
		key[0] = b
		data = append(data, key...)
	}
	return "Program data: " + base64.StdEncoding.EncodeToString(data)
}

func keyOf(b byte) string {
	key := make([]byte, 32)
	key[0] = b
	return base58.Encode(key)
}

func TestClassifier_RegisteredParsers(t *testing.T) {
	c := NewClassifier()

	if len(c.parsers) != 2 {
		t.Errorf("expected 2 default parsers, got %d", len(c.parsers))
	}
	if _, ok := c.parsers[RaydiumAMMV4]; !ok {
		t.Error("Raydium parser not registered")
	}
	if _, ok := c.parsers[PumpFun]; !ok {
		t.Error("PumpFun parser not registered")
	}
}

func TestClassifier_Empty(t *testing.T) {
	c := NewClassifier()

	if events := c.Classify(record("sig", 1)); len(events) != 0 {
		t.Errorf("expected 0 events, got %d", len(events))
	}
}

func TestClassifier_RaydiumInit(t *testing.T) {
	c := NewClassifier()
	rec := record("initsig", 100,
		"Program "+RaydiumAMMV4+" invoke [1]",
		"Program log: initialize2: InitializeInstruction2",
		rayInitLog(9, 6, 50_000_000_000, 1_000_000_000_000),
		"Program "+RaydiumAMMV4+" success",
	)

	events := c.Classify(rec)
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}

	ev := events[0]
	if ev.Kind != domain.EventKindPoolInitialized {
		t.Errorf("expected POOL_INITIALIZED, got %s", ev.Kind)
	}
	if ev.LogIndex != 2 {
		t.Errorf("expected log index 2, got %d", ev.LogIndex)
	}
	if ev.Init == nil {
		t.Fatal("expected init payload")
	}
	if ev.Init.PCDecimals != 9 || ev.Init.CoinDecimals != 6 {
		t.Errorf("unexpected decimals pc=%d coin=%d", ev.Init.PCDecimals, ev.Init.CoinDecimals)
	}
	if ev.Init.PCAmount != 50_000_000_000 {
		t.Errorf("expected pc amount 50000000000, got %d", ev.Init.PCAmount)
	}
	if ev.Init.OpenTime != 1700000100 {
		t.Errorf("expected open time 1700000100, got %d", ev.Init.OpenTime)
	}
	if ev.Init.QuoteReserve() != 50_000_000_000 {
		t.Errorf("expected quote reserve from pc side, got %d", ev.Init.QuoteReserve())
	}
	if ev.Record.Signature != "initsig" || ev.Record.Slot != 100 {
		t.Errorf("unexpected record %s/%d", ev.Record.Signature, ev.Record.Slot)
	}
}

func TestRaydiumParser_Swaps(t *testing.T) {
	p := NewRaydiumParser()
	rec := record("swapsig", 5,
		raySwapLog(rayLogSwapBaseIn, 1000, 900, 950),
		raySwapLog(rayLogSwapBaseOut, 2000, 500, 1800),
	)

	events := p.Parse(rec)
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}

	if events[0].AmountIn != 1000 || events[0].AmountOut != 950 {
		t.Errorf("base in: expected 1000/950, got %d/%d", events[0].AmountIn, events[0].AmountOut)
	}
	if events[1].AmountIn != 1800 || events[1].AmountOut != 500 {
		t.Errorf("base out: expected 1800/500, got %d/%d", events[1].AmountIn, events[1].AmountOut)
	}
	for _, ev := range events {
		if ev.Kind != domain.EventKindSwap {
			t.Errorf("expected SWAP, got %s", ev.Kind)
		}
	}
}

func TestRaydiumParser_ShortPayloadSkipped(t *testing.T) {
	p := NewRaydiumParser()
	short := "Program log: ray_log: " + base64.StdEncoding.EncodeToString([]byte{rayLogInit, 1, 2, 3})

	if events := p.Parse(record("sig", 1, short, "Program log: ray_log: !!!")); len(events) != 0 {
		t.Errorf("expected 0 events, got %d", len(events))
	}
}

func TestClassifier_SkipsFailedTransactions(t *testing.T) {
	c := NewClassifier()
	rec := record("failsig", 1,
		"Program "+RaydiumAMMV4+" invoke [1]",
		rayInitLog(9, 6, 1, 1),
	)
	rec.Err = map[string]interface{}{"InstructionError": []interface{}{0, "Custom"}}

	if events := c.Classify(rec); len(events) != 0 {
		t.Errorf("expected 0 events for failed tx, got %d", len(events))
	}
}

func TestClassifier_OnlyInvokedPrograms(t *testing.T) {
	c := NewClassifier()
	// A ray_log line without a Raydium invocation is ignored.
	rec := record("sig", 1, rayInitLog(9, 6, 1, 1))

	if events := c.Classify(rec); len(events) != 0 {
		t.Errorf("expected 0 events, got %d", len(events))
	}
}

func TestPumpFunParser_Buy(t *testing.T) {
	parser := NewPumpFunParser()

	rec := record("testsig", 100,
		"Program "+PumpFun+" invoke [1]",
		"Program log: mint=ABC123DEF456",
		"Program log: Instruction: Buy",
		"Program log: amount=1000000",
		"Program "+PumpFun+" success",
	)

	events := parser.Parse(rec)
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].Kind != domain.EventKindSwap {
		t.Errorf("expected SWAP, got %s", events[0].Kind)
	}
	if events[0].Mint != "ABC123DEF456" {
		t.Errorf("expected mint ABC123DEF456, got %s", events[0].Mint)
	}
}

func TestPumpFunParser_CreateEvent(t *testing.T) {
	parser := NewPumpFunParser()

	rec := record("createsig", 7,
		"Program "+PumpFun+" invoke [1]",
		"Program log: Instruction: Create",
		createEventLog("Token", "TKN", "https://example.invalid/t.json", 1, 2, 3),
		"Program "+PumpFun+" success",
	)

	events := parser.Parse(rec)
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}

	ev := events[0]
	if ev.Kind != domain.EventKindTokenCreated {
		t.Errorf("expected TOKEN_CREATED, got %s", ev.Kind)
	}
	if ev.LogIndex != 1 {
		t.Errorf("expected log index 1, got %d", ev.LogIndex)
	}
	if ev.Token == nil {
		t.Fatal("expected token info")
	}
	if ev.Token.Symbol != "TKN" || ev.Token.Name != "Token" {
		t.Errorf("unexpected token %q/%q", ev.Token.Name, ev.Token.Symbol)
	}
	if ev.Mint != keyOf(1) {
		t.Errorf("expected mint %s, got %s", keyOf(1), ev.Mint)
	}
	if ev.Pool != keyOf(2) {
		t.Errorf("expected bonding curve %s, got %s", keyOf(2), ev.Pool)
	}
	if ev.Token.Creator != keyOf(3) {
		t.Errorf("expected creator %s, got %s", keyOf(3), ev.Token.Creator)
	}
}

func TestPumpFunParser_CreateMintFallback(t *testing.T) {
	parser := NewPumpFunParser()

	rec := record("createsig", 7,
		"Program "+PumpFun+" invoke [1]",
		"Program log: mint=NEWMINT",
		"Program log: Instruction: Create",
		"Program "+PumpFun+" success",
	)

	events := parser.Parse(rec)
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].Mint != "NEWMINT" {
		t.Errorf("expected mint NEWMINT, got %s", events[0].Mint)
	}
}

func TestPumpFunParser_Migrate(t *testing.T) {
	parser := NewPumpFunParser()

	rec := record("migsig", 7,
		"Program "+PumpFun+" invoke [1]",
		"Program log: Instruction: Migrate",
		"Program "+PumpFun+" success",
	)

	events := parser.Parse(rec)
	if len(events) != 1 || events[0].Kind != domain.EventKindLiquidityRemoved {
		t.Fatalf("expected 1 LIQUIDITY_REMOVED event, got %+v", events)
	}
}

func TestPumpFunParser_OutsideInvocationIgnored(t *testing.T) {
	parser := NewPumpFunParser()

	rec := record("sig", 1,
		"Program log: Instruction: Buy",
		"Program "+PumpFun+" invoke [1]",
		"Program "+PumpFun+" success",
		"Program log: Instruction: Sell",
	)

	if events := parser.Parse(rec); len(events) != 0 {
		t.Errorf("expected 0 events, got %d", len(events))
	}
}

func TestSortEvents(t *testing.T) {
	events := []Event{
		{Record: domain.EventRecord{Slot: 2, Signature: "a"}, LogIndex: 0},
		{Record: domain.EventRecord{Slot: 1, Signature: "b"}, LogIndex: 3},
		{Record: domain.EventRecord{Slot: 1, Signature: "b"}, LogIndex: 1},
		{Record: domain.EventRecord{Slot: 1, Signature: "a"}, LogIndex: 9},
	}

	SortEvents(events)

	want := []struct {
		slot int64
		sig  string
		idx  int
	}{{1, "a", 9}, {1, "b", 1}, {1, "b", 3}, {2, "a", 0}}
	for i, w := range want {
		got := events[i]
		if got.Record.Slot != w.slot || got.Record.Signature != w.sig || got.LogIndex != w.idx {
			t.Errorf("position %d: expected %v, got %d/%s/%d", i, w, got.Record.Slot, got.Record.Signature, got.LogIndex)
		}
	}
}
