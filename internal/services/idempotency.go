package services

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"

	"finpilot/internal/models"
)

// ExecutionKey scopes an execution to its tenant and rule. A caller-supplied key becomes
// sha256(tenant, rule id, key), so one upstream delivery id fans out to every matching rule
// and never collides across tenants; the rule version is left out so a replay after an
// update is reported as a conflict. Without a caller key it is
// sha256(tenant, rule id, rule version, trigger id).
func ExecutionKey(rule *models.AutomationRule, trigger models.Trigger) string {
	var raw string
	if trigger.IdempotencyKey != "" {
		raw = fmt.Sprintf("key|%s|%s|%s", rule.TenantID, rule.ID, trigger.IdempotencyKey)
	} else {
		raw = fmt.Sprintf("trigger|%s|%s|%d|%s", rule.TenantID, rule.ID, rule.Version, trigger.ID)
	}
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// ActionKey derives the per-action key passed to sinks. It inherits the tenant and rule
// scope of executionKey.
func ActionKey(executionKey string, index int) string {
	return fmt.Sprintf("%s:%d", executionKey, index)
}

// PayloadFingerprint hashes what a replay must repeat exactly: rule, version, trigger type
// and payload. encoding/json sorts map keys, so the hash is stable.
func PayloadFingerprint(rule *models.AutomationRule, trigger models.Trigger) string {
	b, err := json.Marshal(struct {
		RuleID  string                 `json:"rule_id"`
		Version int                    `json:"version"`
		Type    models.TriggerType     `json:"type"`
		Payload map[string]interface{} `json:"payload"`
	}{rule.ID, rule.Version, trigger.Type, trigger.Payload})
	if err != nil {
		b = []byte(fmt.Sprintf("%s|%d|%s|%v", rule.ID, rule.Version, trigger.Type, trigger.Payload))
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// keyedMutex serialises work per key and forgets keys nobody holds.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refLock
}

type refLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*refLock)}
}

// Lock blocks until key is free and returns the unlock function.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &refLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
