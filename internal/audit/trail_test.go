package audit

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newTestTrail(t *testing.T) (*Trail, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "events.ndjson")
	trail, err := Open(path)
	if err != nil {
		t.Fatalf("Open 不应失败: %v", err)
	}
	return trail, path
}

func TestAppendBuildsChain(t *testing.T) {
	trail, _ := newTestTrail(t)

	first, err := trail.Append("SPEND_APPROVED", map[string]any{"amount": "10.00"}, "gateway", "corr-1")
	if err != nil {
		t.Fatalf("第一次 append 应成功: %v", err)
	}
	if first.PrevHash != nil {
		t.Fatalf("创世事件 prev_hash 应为 null, 实际 %v", *first.PrevHash)
	}
	if first.Hash == "" {
		t.Fatal("hash 不应为空")
	}

	second, err := trail.Append("SPEND_DENIED", map[string]any{"reason": "CAP_LEARNING_TOTAL"}, "gateway", "corr-2")
	if err != nil {
		t.Fatalf("第二次 append 应成功: %v", err)
	}
	if second.PrevHash == nil || *second.PrevHash != first.Hash {
		t.Fatalf("prev_hash 应链接上一条: %v", second.PrevHash)
	}
}

func TestVerifyEmptyAndMissing(t *testing.T) {
	trail, path := newTestTrail(t)

	ok, err := trail.Verify()
	if err != nil || !ok {
		t.Fatalf("缺失文件应验证通过: ok=%v err=%v", ok, err)
	}

	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	ok, err = trail.Verify()
	if err != nil || !ok {
		t.Fatalf("空文件应验证通过: ok=%v err=%v", ok, err)
	}
}

func TestVerifyUntouchedChain(t *testing.T) {
	trail, _ := newTestTrail(t)

	for i := 0; i < 5; i++ {
		if _, err := trail.Append("TICK", map[string]any{"n": i}, "guardian", "corr"); err != nil {
			t.Fatalf("append %d 失败: %v", i, err)
		}
	}

	ok, err := trail.Verify()
	if err != nil {
		t.Fatalf("verify 不应报错: %v", err)
	}
	if !ok {
		t.Fatal("未被篡改的链应验证通过")
	}
}

func TestVerifyDetectsTampering(t *testing.T) {
	trail, path := newTestTrail(t)

	if _, err := trail.Append("SPEND_APPROVED", map[string]any{"amount": "10.00", "pool": "learning"}, "gateway", "c1"); err != nil {
		t.Fatal(err)
	}
	if _, err := trail.Append("SPEND_APPROVED", map[string]any{"amount": "20.00", "pool": "operational"}, "gateway", "c2"); err != nil {
		t.Fatal(err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}

	// 篡改任何一个字段都必须导致验证失败。
	tampered := strings.Replace(string(raw), `"10.00"`, `"90.00"`, 1)
	if tampered == string(raw) {
		t.Fatal("测试前提失败: 找不到可篡改的字段")
	}
	if err := os.WriteFile(path, []byte(tampered), 0o644); err != nil {
		t.Fatal(err)
	}

	ok, err := trail.Verify()
	if err != nil {
		t.Fatalf("verify 不应报错: %v", err)
	}
	if ok {
		t.Fatal("被篡改的链必须验证失败")
	}
}

func TestVerifyDetectsBrokenLink(t *testing.T) {
	trail, path := newTestTrail(t)

	for i := 0; i < 3; i++ {
		if _, err := trail.Append("TICK", map[string]any{"n": i}, "guardian", "corr"); err != nil {
			t.Fatal(err)
		}
	}

	raw, _ := os.ReadFile(path)
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	// 删除中间一行, 打断链接。
	broken := strings.Join([]string{lines[0], lines[2]}, "\n") + "\n"
	if err := os.WriteFile(path, []byte(broken), 0o644); err != nil {
		t.Fatal(err)
	}

	ok, err := trail.Verify()
	if err != nil {
		t.Fatalf("verify 不应报错: %v", err)
	}
	if ok {
		t.Fatal("断链必须验证失败")
	}
}

func TestTail(t *testing.T) {
	trail, _ := newTestTrail(t)

	for i := 0; i < 5; i++ {
		if _, err := trail.Append("TICK", map[string]any{"n": i}, "guardian", "corr"); err != nil {
			t.Fatal(err)
		}
	}

	events, err := trail.Tail(2)
	if err != nil {
		t.Fatalf("Tail 不应失败: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("应返回 2 条, 实际 %d", len(events))
	}
	if events[1].PrevHash == nil || *events[1].PrevHash != events[0].Hash {
		t.Fatal("Tail 返回的事件应保持链接顺序")
	}
}
