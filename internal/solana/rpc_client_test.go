package solana

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

// newRPCServer answers every JSON-RPC request with the value returned by fn.
func newRPCServer(t *testing.T, fn func(req rpcRequest) interface{}) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
			return
		}
		resp := map[string]interface{}{
			"jsonrpc": "2.0",
			"id":      req.ID,
			"result":  fn(req),
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(server.Close)
	return server
}

func TestHTTPClient_GetTransaction(t *testing.T) {
	server := newRPCServer(t, func(req rpcRequest) interface{} {
		if req.Method != "getTransaction" {
			t.Errorf("expected method getTransaction, got %s", req.Method)
		}
		return map[string]interface{}{
			"slot":      int64(123456),
			"blockTime": int64(1700000000),
			"meta": map[string]interface{}{
				"err":         nil,
				"logMessages": []string{"Program log: Hello", "Program log: World"},
				"postTokenBalances": []map[string]interface{}{
					{
						"accountIndex": 5,
						"mint":         "MintAAA",
						"owner":        "OwnerBBB",
						"uiTokenAmount": map[string]interface{}{
							"amount":   "1000000",
							"decimals": 6,
						},
					},
				},
			},
			"transaction": map[string]interface{}{
				"message": map[string]interface{}{
					"accountKeys": []string{"addr1", "addr2"},
				},
			},
		}
	})

	client := NewHTTPClient(server.URL)
	tx, err := client.GetTransaction(context.Background(), "testsig123")
	if err != nil {
		t.Fatalf("GetTransaction: %v", err)
	}
	if tx == nil {
		t.Fatal("expected transaction, got nil")
	}
	if tx.Slot != 123456 {
		t.Errorf("expected slot 123456, got %d", tx.Slot)
	}
	if tx.BlockTime != 1700000000 {
		t.Errorf("expected blockTime 1700000000, got %d", tx.BlockTime)
	}
	if tx.Meta == nil {
		t.Fatal("expected meta, got nil")
	}
	if len(tx.Meta.LogMessages) != 2 {
		t.Errorf("expected 2 log messages, got %d", len(tx.Meta.LogMessages))
	}
	if len(tx.Meta.PostTokenBalances) != 1 {
		t.Fatalf("expected 1 token balance, got %d", len(tx.Meta.PostTokenBalances))
	}
	bal := tx.Meta.PostTokenBalances[0]
	if bal.Mint != "MintAAA" || bal.Amount != "1000000" || bal.Decimals != 6 || bal.AccountIndex != 5 {
		t.Errorf("unexpected token balance: %+v", bal)
	}
	if tx.Message == nil || len(tx.Message.AccountKeys) != 2 {
		t.Errorf("expected 2 account keys, got %+v", tx.Message)
	}
}

func TestHTTPClient_GetTransaction_NotFound(t *testing.T) {
	server := newRPCServer(t, func(req rpcRequest) interface{} { return nil })

	client := NewHTTPClient(server.URL)
	tx, err := client.GetTransaction(context.Background(), "nonexistent")
	if err != nil {
		t.Fatalf("GetTransaction: %v", err)
	}
	if tx != nil {
		t.Errorf("expected nil for not found, got %+v", tx)
	}
}

func TestHTTPClient_GetSignaturesForAddress(t *testing.T) {
	server := newRPCServer(t, func(req rpcRequest) interface{} {
		if req.Method != "getSignaturesForAddress" {
			t.Errorf("expected method getSignaturesForAddress, got %s", req.Method)
		}
		cfg, _ := req.Params[1].(map[string]interface{})
		if cfg["before"] != "cursor" {
			t.Errorf("expected before=cursor, got %v", cfg["before"])
		}
		if cfg["limit"] != float64(10) {
			t.Errorf("expected limit=10, got %v", cfg["limit"])
		}
		blockTime := int64(1700000000)
		return []map[string]interface{}{
			{"signature": "sig2", "slot": int64(101), "blockTime": blockTime, "err": nil},
			{"signature": "sig1", "slot": int64(100), "blockTime": blockTime, "err": nil},
		}
	})

	client := NewHTTPClient(server.URL)
	sigs, err := client.GetSignaturesForAddress(context.Background(), "testaddr", &SignaturesOpts{Before: "cursor", Limit: 10})
	if err != nil {
		t.Fatalf("GetSignaturesForAddress: %v", err)
	}
	if len(sigs) != 2 {
		t.Fatalf("expected 2 signatures, got %d", len(sigs))
	}
	if sigs[0].Signature != "sig2" || sigs[0].Slot != 101 {
		t.Errorf("unexpected first signature: %+v", sigs[0])
	}
}

func TestHTTPClient_Retry(t *testing.T) {
	var attempts atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		count := attempts.Add(1)
		if count < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}

		var req rpcRequest
		json.NewDecoder(r.Body).Decode(&req)

		resp := map[string]interface{}{
			"jsonrpc": "2.0",
			"id":      req.ID,
			"result":  int64(999),
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL,
		WithMaxRetries(3),
		WithRetryDelay(10*time.Millisecond),
	)

	slot, err := client.GetSlot(context.Background())
	if err != nil {
		t.Fatalf("GetSlot: %v", err)
	}
	if slot != 999 {
		t.Errorf("expected slot 999, got %d", slot)
	}
	if attempts.Load() != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts.Load())
	}
}

func TestHTTPClient_RPCError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		json.NewDecoder(r.Body).Decode(&req)

		resp := map[string]interface{}{
			"jsonrpc": "2.0",
			"id":      req.ID,
			"error": map[string]interface{}{
				"code":    -32600,
				"message": "Invalid Request",
			},
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL)

	_, err := client.GetSlot(context.Background())
	if err == nil {
		t.Fatal("expected error, got nil")
	}

	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) {
		t.Fatalf("expected *RPCError, got %T", err)
	}
	if rpcErr.Code != -32600 {
		t.Errorf("expected code -32600, got %d", rpcErr.Code)
	}
}

func TestHTTPClient_SendTransaction_NoClientRetries(t *testing.T) {
	var attempts atomic.Int32
	raw := []byte{1, 2, 3, 4}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		var req rpcRequest
		json.NewDecoder(r.Body).Decode(&req)

		if req.Method != "sendTransaction" {
			t.Errorf("expected sendTransaction, got %s", req.Method)
		}
		if req.Params[0] != base64.StdEncoding.EncodeToString(raw) {
			t.Errorf("unexpected payload %v", req.Params[0])
		}
		cfg := req.Params[1].(map[string]interface{})
		if cfg["skipPreflight"] != true || cfg["maxRetries"] != float64(0) || cfg["encoding"] != "base64" {
			t.Errorf("unexpected send config %v", cfg)
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, WithRetryDelay(time.Millisecond))
	_, err := client.SendTransaction(context.Background(), raw, SendOptions{SkipPreflight: true})
	if err == nil {
		t.Fatal("expected error from 503")
	}
	if attempts.Load() != 1 {
		t.Errorf("sendTransaction must not be retried by the client, got %d attempts", attempts.Load())
	}
}

func TestHTTPClient_SendTransaction(t *testing.T) {
	server := newRPCServer(t, func(req rpcRequest) interface{} { return "5sigABC" })

	client := NewHTTPClient(server.URL)
	sig, err := client.SendTransaction(context.Background(), []byte{9}, SendOptions{SkipPreflight: true})
	if err != nil {
		t.Fatalf("SendTransaction: %v", err)
	}
	if sig != "5sigABC" {
		t.Errorf("expected 5sigABC, got %s", sig)
	}
}

func TestHTTPClient_GetSignatureStatuses(t *testing.T) {
	server := newRPCServer(t, func(req rpcRequest) interface{} {
		if req.Method != "getSignatureStatuses" {
			t.Errorf("expected getSignatureStatuses, got %s", req.Method)
		}
		return map[string]interface{}{
			"context": map[string]interface{}{"slot": 500},
			"value": []interface{}{
				map[string]interface{}{"slot": 480, "confirmations": nil, "err": nil, "confirmationStatus": "finalized"},
				nil,
				map[string]interface{}{"slot": 490, "confirmations": 3, "err": map[string]interface{}{"InstructionError": []interface{}{0, "Custom"}}, "confirmationStatus": "processed"},
			},
		}
	})

	client := NewHTTPClient(server.URL)
	statuses, err := client.GetSignatureStatuses(context.Background(), []string{"a", "b", "c"})
	if err != nil {
		t.Fatalf("GetSignatureStatuses: %v", err)
	}
	if len(statuses) != 3 {
		t.Fatalf("expected 3 statuses, got %d", len(statuses))
	}
	if !statuses[0].Landed() {
		t.Error("finalized status should count as landed")
	}
	if statuses[1] != nil || statuses[1].Landed() {
		t.Error("unknown signature should be nil and not landed")
	}
	if statuses[2].Landed() || statuses[2].Err == nil {
		t.Errorf("processed status with error should not be landed: %+v", statuses[2])
	}
}

func TestHTTPClient_GetBalance(t *testing.T) {
	server := newRPCServer(t, func(req rpcRequest) interface{} {
		return map[string]interface{}{"context": map[string]interface{}{"slot": 1}, "value": 2500000000}
	})

	client := NewHTTPClient(server.URL)
	lamports, err := client.GetBalance(context.Background(), "wallet")
	if err != nil {
		t.Fatalf("GetBalance: %v", err)
	}
	if lamports != 2500000000 {
		t.Errorf("expected 2500000000, got %d", lamports)
	}
}

func TestHTTPClient_GetAccountInfo(t *testing.T) {
	server := newRPCServer(t, func(req rpcRequest) interface{} {
		return map[string]interface{}{
			"value": map[string]interface{}{
				"lamports":   1461600,
				"owner":      "TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA",
				"data":       []string{"AAAA", "base64"},
				"executable": false,
				"rentEpoch":  361,
			},
		}
	})

	client := NewHTTPClient(server.URL)
	info, err := client.GetAccountInfo(context.Background(), "mint")
	if err != nil {
		t.Fatalf("GetAccountInfo: %v", err)
	}
	if info == nil {
		t.Fatal("expected account info")
	}
	if info.Owner != "TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA" || info.Data != "AAAA" {
		t.Errorf("unexpected account info: %+v", info)
	}
}

func TestHTTPClient_GetAccountInfo_NotFound(t *testing.T) {
	server := newRPCServer(t, func(req rpcRequest) interface{} {
		return map[string]interface{}{"value": nil}
	})

	client := NewHTTPClient(server.URL)
	info, err := client.GetAccountInfo(context.Background(), "missing")
	if err != nil {
		t.Fatalf("GetAccountInfo: %v", err)
	}
	if info != nil {
		t.Errorf("expected nil, got %+v", info)
	}
}

func TestHTTPClient_ContextCancellation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(100 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL)
	ctx, cancel := context.WithCancel(context.Background())
	cancel() // Cancel immediately

	_, err := client.GetSlot(ctx)
	if err == nil {
		t.Fatal("expected error from cancelled context")
	}
}

func TestHTTPClient_RateLimit(t *testing.T) {
	var calls atomic.Int32
	server := newRPCServer(t, func(req rpcRequest) interface{} {
		calls.Add(1)
		return int64(1)
	})

	client := NewHTTPClient(server.URL, WithRateLimit(1, 1))
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	if _, err := client.GetSlot(ctx); err != nil {
		t.Fatalf("first call: %v", err)
	}
	// The second token is a full second away; the deadline expires first.
	if _, err := client.GetSlot(ctx); err == nil {
		t.Error("expected rate limiter to block past the deadline")
	}
	if calls.Load() != 1 {
		t.Errorf("expected 1 request on the wire, got %d", calls.Load())
	}
}

func TestHTTPClient_CallObserver(t *testing.T) {
	server := newRPCServer(t, func(req rpcRequest) interface{} { return int64(5) })

	var methods []string
	client := NewHTTPClient(server.URL, WithCallObserver(func(method string, d time.Duration) {
		methods = append(methods, method)
	}))
	if _, err := client.GetSlot(context.Background()); err != nil {
		t.Fatalf("GetSlot: %v", err)
	}
	if len(methods) != 1 || methods[0] != "getSlot" {
		t.Errorf("expected one getSlot observation, got %v", methods)
	}
}
