// Command hashtreed serves a block store over gRPC and HTTP so CLI
// nodes can use it as a mirror or a write-through chain link.
package main

import (
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"

	"github.com/mmalmi/hashtree/storage"
	"github.com/mmalmi/hashtree/storage/backends"
	"github.com/mmalmi/hashtree/storage/chainconfig"
	"github.com/mmalmi/hashtree/storage/grpccas"
	"github.com/mmalmi/hashtree/storage/httpcas"

	_ "github.com/mmalmi/hashtree/storage/ipfs"
)

// optFlags collects repeated -opt key=value backend options.
type optFlags map[string]string

func (o optFlags) String() string { return fmt.Sprintf("%v", map[string]string(o)) }

func (o optFlags) Set(v string) error {
	key, value, ok := strings.Cut(v, "=")
	if !ok {
		return fmt.Errorf("expected key=value, got %q", v)
	}
	o[key] = value
	return nil
}

func main() {
	fs := flag.NewFlagSet("hashtreed", flag.ExitOnError)
	grpcListen := fs.String("grpc-listen", "127.0.0.1:7777", "gRPC listen address (empty disables)")
	httpListen := fs.String("http-listen", "127.0.0.1:8765", "HTTP listen address (empty disables)")
	backend := fs.String("backend", "localfs", "block store backend name")
	chainFile := fs.String("chain", "", "chainconfig JSON file (overrides -backend)")
	logLevel := fs.String("log-level", "info", "logrus level")
	listBackends := fs.Bool("list-backends", false, "list supported backends and exit")
	opts := optFlags{}
	fs.Var(opts, "opt", "backend option key=value (repeatable)")

	_ = fs.Parse(os.Args[1:])

	log := logrus.New()
	if level, err := logrus.ParseLevel(*logLevel); err == nil {
		log.SetLevel(level)
	}
	entry := logrus.NewEntry(log)

	if *listBackends {
		for _, b := range backends.List(backends.UsageDaemon) {
			if b.Description == "" {
				fmt.Fprintln(os.Stdout, b.Name)
				continue
			}
			fmt.Fprintf(os.Stdout, "%s\t%s\n", b.Name, b.Description)
		}
		return
	}

	store, closeFn, err := openStore(*chainFile, *backend, opts, entry)
	if err != nil {
		log.WithError(err).Fatal("open store")
	}
	if closeFn != nil {
		defer closeFn()
	}

	var grpcSrv *grpc.Server
	var httpSrv *http.Server

	if *grpcListen != "" {
		lis, err := net.Listen("tcp", *grpcListen)
		if err != nil {
			log.WithError(err).Fatal("grpc listen")
		}
		grpcSrv = grpc.NewServer()
		grpccas.RegisterBlockServiceServer(grpcSrv, &grpccas.Server{Store: store})
		go func() {
			entry.WithField("addr", lis.Addr().String()).Info("grpc listening")
			if err := grpcSrv.Serve(lis); err != nil {
				log.WithError(err).Error("grpc serve")
			}
		}()
	}

	if *httpListen != "" {
		httpSrv = &http.Server{Addr: *httpListen, Handler: httpcas.Handler(store)}
		go func() {
			entry.WithField("addr", *httpListen).Info("http listening")
			if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.WithError(err).Error("http serve")
			}
		}()
	}

	if grpcSrv == nil && httpSrv == nil {
		log.Fatal("nothing to serve: both listeners disabled")
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	entry.Info("shutting down")

	if grpcSrv != nil {
		grpcSrv.GracefulStop()
	}
	if httpSrv != nil {
		_ = httpSrv.Close()
	}
}

func openStore(chainFile, backend string, opts map[string]string, log *logrus.Entry) (storage.BlockStore, func() error, error) {
	if chainFile != "" {
		chain, err := chainconfig.LoadFile(chainFile)
		if err != nil {
			return nil, nil, err
		}
		return chain.Open(backends.UsageDaemon, log)
	}
	return backends.Open(backend, backends.UsageDaemon, opts)
}
