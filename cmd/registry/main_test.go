package main

import (
	"context"
	"net/http"
	"os"
	"syscall"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestServeUntilSignalReportsListenFailure(t *testing.T) {
	srv := &http.Server{Addr: "256.0.0.1:http"}
	err := serveUntilSignal(srv, make(chan os.Signal))
	require.Error(t, err)
}

func TestServeUntilSignalReturnsOnSignal(t *testing.T) {
	srv := &http.Server{Addr: "127.0.0.1:0", Handler: http.NotFoundHandler()}
	signals := make(chan os.Signal, 1)
	signals <- syscall.SIGTERM
	require.NoError(t, serveUntilSignal(srv, signals))
	require.NoError(t, srv.Shutdown(context.Background()))
}
