package main

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/lotledger/internal/app"
	_ "github.com/odyssey-erp/lotledger/testing"
)

func TestMainReturnsInTestMode(t *testing.T) {
	app.RefreshTestMode()
	require.True(t, app.InTestMode())
	main()
}
