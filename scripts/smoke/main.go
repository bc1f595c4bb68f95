// End-to-end smoke test against a running murmurd.
//
//	API_URL=http://localhost:8080/v1 ORACLE_KEY=<hex> go run ./scripts/smoke
//
// ORACLE_KEY is optional; without it the post and like steps are skipped.
// CHAIN_ID and VERIFYING_CONTRACT must match the node when it is set.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"

	"github.com/stake-plus/murmur-protocol/src/attest"
)

var baseURL = getenv("API_URL", "http://localhost:8080/v1")

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func main() {
	author := login()
	fan := login()
	for _, tok := range []string{author, fan} {
		doReq("POST", "/stake", tok, map[string]any{"collateral": "1000"}, nil, http.StatusOK)
	}

	var cost struct{ Cost uint64 }
	doReq("GET", "/topics/creation-cost", "", nil, &cost, http.StatusOK)
	fmt.Printf("creation cost: %d VP\n", cost.Cost)

	var topic struct{ ID uint64 }
	doReq("POST", "/topics", author, map[string]any{
		"metadataHash": crypto.Keccak256Hash([]byte("smoke " + uuid.NewString())).Hex(),
		"duration":     3600,
		"freezeWindow": 300,
		"curatedLimit": 10,
	}, &topic, http.StatusCreated)
	topicPath := "/topics/" + strconv.FormatUint(topic.ID, 10)
	for _, tok := range []string{author, fan} {
		doReq("POST", topicPath+"/lock", tok, map[string]any{"collateral": "100"}, nil, http.StatusOK)
	}

	oracleKey := os.Getenv("ORACLE_KEY")
	if oracleKey == "" {
		fmt.Println("ORACLE_KEY not set, skipping post and like")
	} else {
		msgID := post(author, topicPath, oracleKey)
		doReq("POST", "/messages/"+strconv.FormatUint(msgID, 10)+"/like", fan, nil, nil, http.StatusOK)

		var curated struct {
			Entries []struct{ MessageID uint64 }
		}
		doReq("GET", topicPath+"/curated", "", nil, &curated, http.StatusOK)
		if len(curated.Entries) == 0 || curated.Entries[0].MessageID != msgID {
			log.Fatal("curated: liked message missing")
		}
	}

	doReq("GET", topicPath, "", nil, nil, http.StatusOK)
	fmt.Println("✓ all endpoints passed")
}

// ----------------------------- auth

func login() string {
	key, err := crypto.GenerateKey()
	if err != nil {
		log.Fatal(err)
	}
	addr := crypto.PubkeyToAddress(key.PublicKey).Hex()

	var ch struct{ Message string }
	doReq("POST", "/auth/challenge", "", map[string]any{"address": addr}, &ch, http.StatusOK)
	sig, err := crypto.Sign(accounts.TextHash([]byte(ch.Message)), key)
	if err != nil {
		log.Fatal(err)
	}
	sig[crypto.RecoveryIDOffset] += 27

	var resp struct{ Token string }
	doReq("POST", "/auth/verify", "", map[string]any{"address": addr, "signature": hexutil.Encode(sig)}, &resp, http.StatusOK)
	if resp.Token == "" {
		log.Fatal("verify: empty token")
	}
	return resp.Token
}

// ----------------------------- messages

func post(tok, topicPath, oracleKey string) uint64 {
	var stored struct {
		ContentHash string
		Length      uint32
	}
	doReq("POST", "/content", tok, map[string]any{"content": "smoke test " + uuid.NewString()}, &stored, http.StatusCreated)

	chainID, _ := strconv.ParseInt(getenv("CHAIN_ID", "1"), 10, 64)
	domain := attest.NewDomain(chainID, common.HexToAddress(os.Getenv("VERIFYING_CONTRACT")))
	oracle, err := attest.NewLocalSigner(oracleKey, domain)
	if err != nil {
		log.Fatal(err)
	}
	att := attest.ContentAttestation{
		ContentHash: common.HexToHash(stored.ContentHash),
		Length:      stored.Length,
		Score:       7000,
		Timestamp:   time.Now().Unix(),
	}
	sig, err := oracle.Sign(context.Background(), att)
	if err != nil {
		log.Fatal(err)
	}

	var msg struct{ ID uint64 }
	doReq("POST", topicPath+"/messages", tok, map[string]any{
		"contentHash": stored.ContentHash,
		"length":      stored.Length,
		"score":       att.Score,
		"timestamp":   att.Timestamp,
		"signature":   hexutil.Encode(sig),
	}, &msg, http.StatusCreated)
	return msg.ID
}

// ----------------------------- helpers

func doReq(method, path, token string, body, out any, want int) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			log.Fatalf("%s %s encode: %v", method, path, err)
		}
	}
	req, _ := http.NewRequest(method, baseURL+path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		log.Fatalf("%s %s: %v", method, path, err)
	}
	defer res.Body.Close()
	if res.StatusCode != want {
		log.Fatalf("%s %s: want %d got %d", method, path, want, res.StatusCode)
	}
	if out != nil {
		if err := json.NewDecoder(res.Body).Decode(out); err != nil {
			log.Fatalf("%s %s decode: %v", method, path, err)
		}
	}
}
