package config

import "testing"

func TestDefaultsAreValid(t *testing.T) {
	if err := Defaults().Validate(); err != nil {
		t.Fatalf("defaults should satisfy renewal_interval < lease_ttl/2: %v", err)
	}
}

func TestValidateRejectsRenewalTooClose(t *testing.T) {
	cfg := Defaults()
	cfg.RenewalInterval = cfg.LeaseTTL / 2
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation failure when renewal_interval == lease_ttl/2")
	}
}

func TestLoadWithNoFileUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.QueueCaps.High != 100 || cfg.ReservationRetryBudget != 8 {
		t.Fatalf("expected defaults, got %+v", cfg)
	}
}
