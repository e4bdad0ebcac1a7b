package main

import (
	"testing"

	"github.com/odyssey-erp/baseline-engine/internal/app"
	_ "github.com/odyssey-erp/baseline-engine/testing"
)

func TestMainSkipsStartupInTestMode(t *testing.T) {
	app.RefreshTestMode()
	if !app.InTestMode() {
		t.Fatal("expected test mode to be enabled")
	}
	main()
}
