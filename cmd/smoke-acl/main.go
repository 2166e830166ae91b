package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"time"
)

// Smoke test against a running grantledger-api: create an asset, grant a
// temporary authorization, verify expiry and revocation semantics end to end.
func main() {
	base := os.Getenv("GRANTLEDGER_API_ADDR")
	if base == "" {
		base = "http://localhost:8080"
	}

	c := &client{base: base, http: &http.Client{Timeout: 5 * time.Second}}
	owner := "smoke-owner"
	grantee := "smoke-grantee"
	key := fmt.Sprintf("smoke-%d", rand.Int())

	var asset struct {
		Key   string `json:"key"`
		Owner string `json:"owner"`
	}
	c.call(http.MethodPost, "/v1/assets", owner, map[string]any{
		"key": key, "description": "smoke asset",
	}, http.StatusCreated, &asset)
	if asset.Owner != owner {
		log.Fatalf("unexpected owner: %s", asset.Owner)
	}

	c.call(http.MethodPost, "/v1/assets/"+key+"/grants", owner, map[string]any{
		"principal": grantee, "role": "temporary", "duration_seconds": 3600,
	}, http.StatusCreated, nil)

	var check struct {
		Authorized bool `json:"authorized"`
	}
	soon := time.Now().Add(30 * time.Minute).Unix()
	late := time.Now().Add(2 * time.Hour).Unix()

	c.call(http.MethodGet, fmt.Sprintf("/v1/assets/%s/access/%s?at=%d", key, grantee, soon), owner, nil, http.StatusOK, &check)
	if !check.Authorized {
		log.Fatal("grantee must be authorized before expiry")
	}
	c.call(http.MethodGet, fmt.Sprintf("/v1/assets/%s/access/%s?at=%d", key, grantee, late), owner, nil, http.StatusOK, &check)
	if check.Authorized {
		log.Fatal("grantee must be denied after expiry")
	}

	c.call(http.MethodDelete, "/v1/assets/"+key+"/grants/"+grantee, owner, nil, http.StatusNoContent, nil)
	c.call(http.MethodGet, fmt.Sprintf("/v1/assets/%s/access/%s?at=%d", key, grantee, soon), owner, nil, http.StatusOK, &check)
	if check.Authorized {
		log.Fatal("revoked grantee must be denied")
	}

	// Ownership supremacy holds at any instant.
	c.call(http.MethodGet, fmt.Sprintf("/v1/assets/%s/access/%s?at=%d", key, owner, late), owner, nil, http.StatusOK, &check)
	if !check.Authorized {
		log.Fatal("owner must always be authorized")
	}

	fmt.Printf("✅ grantledger smoke test passed: asset=%s\n", key)
}

type client struct {
	base   string
	http   *http.Client
	tokens map[string]string
}

func (c *client) token(principal string) string {
	if c.tokens == nil {
		c.tokens = make(map[string]string)
	}
	if tok, ok := c.tokens[principal]; ok {
		return tok
	}
	payload, _ := json.Marshal(map[string]string{"principal": principal})
	resp, err := c.http.Post(c.base+"/v1/auth/token", "application/json", bytes.NewReader(payload))
	if err != nil {
		log.Fatalf("token for %s: %v", principal, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		log.Fatalf("token for %s: status %d", principal, resp.StatusCode)
	}
	var body struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		log.Fatalf("decode token: %v", err)
	}
	c.tokens[principal] = body.AccessToken
	return body.AccessToken
}

func (c *client) call(method, path, principal string, payload any, wantStatus int, out any) {
	var body *bytes.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			log.Fatalf("marshal payload: %v", err)
		}
		body = bytes.NewReader(raw)
	} else {
		body = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, c.base+path, body)
	if err != nil {
		log.Fatalf("build request: %v", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+c.token(principal))

	resp, err := c.http.Do(req)
	if err != nil {
		log.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != wantStatus {
		log.Fatalf("%s %s: status %d, want %d", method, path, resp.StatusCode, wantStatus)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			log.Fatalf("decode %s %s: %v", method, path, err)
		}
	}
}
