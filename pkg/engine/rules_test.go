package engine

import (
	"context"
	"errors"
	"testing"
)

func TestPredicates(t *testing.T) {
	huawei := DeviceIdentity{Manufacturer: "Huawei Technologies Co., Ltd", ProductClass: "HG8245H5", SerialNumber: "1"}
	tplink := DeviceIdentity{Manufacturer: "TP-Link", ProductClass: "Archer C6", SerialNumber: "2"}

	tests := []struct {
		name   string
		pred   Predicate
		device DeviceIdentity
		want   bool
	}{
		{name: "exact case-insensitive", pred: ManufacturerIs("tp-link"), device: tplink, want: true},
		{name: "glob prefix", pred: ManufacturerIs("Huawei*"), device: huawei, want: true},
		{name: "no match", pred: ManufacturerIs("ZTE", "Nokia"), device: tplink, want: false},
		{name: "product class glob", pred: ProductClassIs("HG8245*"), device: huawei, want: true},
		{name: "all", pred: All(ManufacturerIs("TP-Link"), ProductClassIs("Archer*")), device: tplink, want: true},
		{name: "all fails", pred: All(ManufacturerIs("TP-Link"), ProductClassIs("Deco*")), device: tplink, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.pred(tt.device); got != tt.want {
				t.Errorf("Expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestRuleScript_Validate(t *testing.T) {
	noop := func(rc *RuleContext) error { return nil }

	tests := []struct {
		name    string
		script  *RuleScript
		wantErr bool
	}{
		{name: "valid", script: NewRuleScript("s", NewRule("a", noop), NewRule("b", noop))},
		{name: "empty is valid", script: NewRuleScript("s")},
		{name: "nil", script: nil, wantErr: true},
		{name: "duplicate", script: NewRuleScript("s", NewRule("a", noop), NewRule("a", noop)), wantErr: true},
		{name: "unnamed", script: NewRuleScript("s", NewRule("", noop)), wantErr: true},
		{name: "nil unit", script: NewRuleScript("s", nil), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.script.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Expected error=%v, got %v", tt.wantErr, err)
			}
		})
	}
}

func newTestRuleContext(device DeviceIdentity) (*RuleContext, *Session) {
	session := NewSession("s1", Contact{Device: device, Timestamp: testClock})
	session.Pass = 1
	resolver := NewResolver(NewCache(nil), testClock, testLogger)
	resolver.BeginPass(1)
	rc := NewRuleContext(context.Background(), session, resolver, NewTagAnnotator(nil, device.ID()), nil)
	return rc, session
}

func TestExecutor_RunsInOrderAndIsolatesFaults(t *testing.T) {
	rc, session := newTestRuleContext(tpLink())
	var order []string
	record := func(name string, err error) RuleUnit {
		return NewRule(name, func(rc *RuleContext) error {
			order = append(order, rc.Rule())
			return err
		})
	}

	script := NewRuleScript("s",
		record("first", nil),
		NewRule("boom", func(rc *RuleContext) error {
			order = append(order, "boom")
			var m map[string]int
			m["x"] = 1
			return nil
		}),
		record("failing", errors.New("unsupported firmware")),
		When(ManufacturerIs("ZTE"), record("zte-only", nil)),
		When(ManufacturerIs("TP-Link"), record("tplink-only", nil)),
	)

	faults := NewExecutor(testLogger).Run(rc, script)

	want := []string{"first", "boom", "failing", "tplink-only"}
	if len(order) != len(want) {
		t.Fatalf("Expected %v, got %v", want, order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("Position %d: expected %s, got %s", i, want[i], order[i])
		}
	}
	if len(faults) != 2 || faults[0].Rule != "boom" || faults[1].Rule != "failing" {
		t.Errorf("Unexpected faults %+v", faults)
	}
	if len(session.Logs) != 2 {
		t.Errorf("Expected fault log lines with device context, got %d", len(session.Logs))
	}
}

func TestRuleContext_DeclareRecordsLog(t *testing.T) {
	rc, session := newTestRuleContext(tpLink())
	rc = rc.forRule("inform")

	if _, err := rc.Set(informPath, Uint(300)); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if _, err := rc.Read("Device..Bad", Cached()); err == nil {
		t.Error("Expected invalid pattern error")
	}

	if len(session.Declarations) != 1 {
		t.Fatalf("Expected one recorded declaration, got %d", len(session.Declarations))
	}
	rec := session.Declarations[0]
	if rec.Rule != "inform" || rec.Pattern != informPath || rec.Desired == nil || *rec.Desired != Uint(300) {
		t.Errorf("Unexpected declaration record %+v", rec)
	}
}
