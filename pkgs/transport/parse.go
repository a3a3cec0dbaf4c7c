package transport

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

// Parsed holds whatever a transport's output yielded. Zero values mean
// "not present in the output".
type Parsed struct {
	TxHash string
	Nonce  int64
	Score  string
	Reward string
}

var (
	txHashRe = regexp.MustCompile(`(?i)\b(?:txhash|tx_hash|tx|hash)[=:\s]+"?([A-F0-9]{64})"?`)
	bareTxRe = regexp.MustCompile(`\b[A-F0-9]{64}\b`)
	nonceRe  = regexp.MustCompile(`(?i)\bnonce[=:\s]+"?(\d+)"?`)
	scoreRe  = regexp.MustCompile(`(?i)\bscore[=:\s]+"?(-?\d+(?:\.\d+)?)"?`)
	rewardRe = regexp.MustCompile(`(?i)\breward[=:\s]+"?(-?\d+(?:\.\d+)?)"?`)
)

// ParseOutput extracts a transaction hash, nonce, score and reward from a
// client's output. JSON output is read structurally; anything else falls
// back to line-oriented heuristics over stdout and stderr, which is all
// the external helper process offers.
func ParseOutput(stdout, stderr string) Parsed {
	p := Parsed{}

	trimmed := strings.TrimSpace(stdout)
	if gjson.Valid(trimmed) && trimmed != "" {
		tree := gjson.Parse(trimmed)
		for _, path := range []string{"tx_hash", "txhash", "hash", "tx_response.txhash"} {
			if v := tree.Get(path); v.Exists() && v.String() != "" {
				p.TxHash = v.String()
				break
			}
		}
		if v := tree.Get("nonce"); v.Exists() {
			p.Nonce = v.Int()
		}
		if v := tree.Get("score"); v.Exists() {
			p.Score = v.String()
		}
		if v := tree.Get("reward"); v.Exists() {
			p.Reward = v.String()
		}
		if p.TxHash != "" || p.Nonce != 0 {
			return p
		}
	}

	combined := stdout + "\n" + stderr
	if m := txHashRe.FindStringSubmatch(combined); m != nil {
		p.TxHash = m[1]
	} else if m := bareTxRe.FindString(combined); m != "" {
		p.TxHash = m
	}
	if m := nonceRe.FindStringSubmatch(combined); m != nil {
		if n, err := strconv.ParseInt(m[1], 10, 64); err == nil {
			p.Nonce = n
		}
	}
	if m := scoreRe.FindStringSubmatch(combined); m != nil {
		p.Score = m[1]
	}
	if m := rewardRe.FindStringSubmatch(combined); m != nil {
		p.Reward = m[1]
	}
	return p
}
