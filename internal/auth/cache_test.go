package auth

import (
	"testing"
	"time"
)

func TestTokenCache_NewCacheIsUnchanged(t *testing.T) {
	cache := NewTokenCache()
	if cache.HasChanged() {
		t.Error("new cache should not have changed flag set")
	}
}

func TestTokenCache_PutSetsChangedFlag(t *testing.T) {
	cache := NewTokenCache()
	cache.put("scope-a", cacheEntry{AccessToken: "tok", ExpiresAt: time.Now().Add(time.Hour)})

	if !cache.HasChanged() {
		t.Error("put should set changed flag")
	}
}

func TestTokenCache_ResetChanged(t *testing.T) {
	cache := NewTokenCache()
	cache.put("scope-a", cacheEntry{AccessToken: "tok"})
	cache.ResetChanged()

	if cache.HasChanged() {
		t.Error("ResetChanged should clear changed flag")
	}
}

// シリアライズ→デシリアライズのラウンドトリップで等価な状態が復元されることを検証
func TestTokenCache_SerializeDeserializeRoundTrip(t *testing.T) {
	cache := NewTokenCache()
	expiresAt := time.Now().Add(time.Hour).Truncate(time.Second)
	cache.put("User.Read", cacheEntry{
		AccessToken:  "access-1",
		RefreshToken: "refresh-1",
		ExpiresAt:    expiresAt,
	})

	blob, err := cache.Serialize()
	if err != nil {
		t.Fatalf("Serialize failed: %v", err)
	}

	restored := NewTokenCache()
	if err := restored.Deserialize(blob); err != nil {
		t.Fatalf("Deserialize failed: %v", err)
	}

	entry, ok := restored.get("User.Read")
	if !ok {
		t.Fatal("expected entry for User.Read after round trip")
	}
	if entry.AccessToken != "access-1" {
		t.Errorf("AccessToken = %q, want %q", entry.AccessToken, "access-1")
	}
	if entry.RefreshToken != "refresh-1" {
		t.Errorf("RefreshToken = %q, want %q", entry.RefreshToken, "refresh-1")
	}
	if !entry.ExpiresAt.Equal(expiresAt) {
		t.Errorf("ExpiresAt = %v, want %v", entry.ExpiresAt, expiresAt)
	}
}

func TestTokenCache_DeserializeEmptyBlobYieldsEmptyCache(t *testing.T) {
	cache := NewTokenCache()
	if err := cache.Deserialize(""); err != nil {
		t.Fatalf("Deserialize of empty blob should succeed: %v", err)
	}
	if cache.HasChanged() {
		t.Error("deserialize should not set changed flag")
	}
}

func TestTokenCache_DeserializeInvalidBlobFails(t *testing.T) {
	cache := NewTokenCache()
	if err := cache.Deserialize("{not json"); err == nil {
		t.Error("expected error for invalid blob")
	}
}

// Mergeは既存エントリを上書きせず、欠けているスコープのみ取り込むことを検証
func TestTokenCache_MergePreservesFreshTokens(t *testing.T) {
	old := NewTokenCache()
	old.put("User.Read", cacheEntry{AccessToken: "stale", RefreshToken: "old-refresh"})
	old.put("Mail.Read", cacheEntry{AccessToken: "mail-token", RefreshToken: "mail-refresh"})
	blob, err := old.Serialize()
	if err != nil {
		t.Fatalf("Serialize failed: %v", err)
	}

	working := NewTokenCache()
	working.put("User.Read", cacheEntry{AccessToken: "fresh", RefreshToken: "new-refresh"})
	working.ResetChanged()

	if err := working.Merge(blob); err != nil {
		t.Fatalf("Merge failed: %v", err)
	}

	// 交換直後のトークンはそのまま
	entry, _ := working.get("User.Read")
	if entry.AccessToken != "fresh" {
		t.Errorf("merge should not overwrite fresh token, got %q", entry.AccessToken)
	}

	// 保存済みblobにしかないスコープは復元される
	mail, ok := working.get("Mail.Read")
	if !ok {
		t.Fatal("expected Mail.Read entry restored from blob")
	}
	if mail.RefreshToken != "mail-refresh" {
		t.Errorf("RefreshToken = %q, want %q", mail.RefreshToken, "mail-refresh")
	}

	if !working.HasChanged() {
		t.Error("merge that imports entries should set changed flag")
	}
}

func TestTokenCache_MergeEmptyBlobIsNoOp(t *testing.T) {
	cache := NewTokenCache()
	if err := cache.Merge(""); err != nil {
		t.Fatalf("Merge of empty blob should succeed: %v", err)
	}
	if cache.HasChanged() {
		t.Error("merge of empty blob should not set changed flag")
	}
}

// スコープの順序が違っても同じキャッシュキーになることを検証
func TestScopeKey_OrderIndependent(t *testing.T) {
	a := scopeKey([]string{"User.Read", "Mail.Read"})
	b := scopeKey([]string{"Mail.Read", "User.Read"})
	if a != b {
		t.Errorf("scopeKey should be order independent: %q != %q", a, b)
	}
}
