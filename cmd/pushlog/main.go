// pushlog archives signed push certificates into a content-addressed,
// append-only log indexed by ref name.
//
// Commands:
//
//	pushlog ingest  -data DIR [-threshold N]   read one certificate from stdin
//	pushlog sweep   -data DIR                  flush pending and recover staging
//	pushlog log     -data DIR [-ref NAME] [-n N]
//	pushlog mount   -data DIR -mount DIR       read-only FUSE view of the log
//
// ingest honors GIT_PUSH_CERT_NONCE_STATUS (must be "OK", otherwise the
// certificate is silently dropped) and PUSHLOG_THRESHOLD (batch size,
// overridden by -threshold).
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/pushlog/pushlog/internal/archive"
	"github.com/pushlog/pushlog/internal/cas"
	"github.com/pushlog/pushlog/internal/cert"
	"github.com/pushlog/pushlog/internal/fusefs"
)

func main() {
	log.SetFlags(0)

	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "ingest":
		err = runIngest(os.Args[2:])
	case "sweep":
		err = runSweep(os.Args[2:])
	case "log":
		err = runLog(os.Args[2:])
	case "mount":
		err = runMount(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		log.Fatalf("pushlog: %v", err)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: pushlog <ingest|sweep|log|mount> [flags]")
}

func openRepo(dataDir string) (*archive.Repository, error) {
	repo, err := archive.Open(dataDir)
	if err != nil {
		return nil, fmt.Errorf("open repository at %s: %w", dataDir, err)
	}
	return repo, nil
}

func runIngest(args []string) error {
	fs := flag.NewFlagSet("ingest", flag.ExitOnError)
	dataDir := fs.String("data", ".", "repository root (contains .pushlog/)")
	threshold := fs.Int("threshold", 0, "batch threshold (0 = PUSHLOG_THRESHOLD or default)")
	fs.Parse(args)

	repo, err := openRepo(*dataDir)
	if err != nil {
		return err
	}

	certBytes, err := io.ReadAll(os.Stdin)
	if err != nil {
		return fmt.Errorf("read certificate from stdin: %w", err)
	}

	t := *threshold
	if t <= 0 {
		if env := os.Getenv("PUSHLOG_THRESHOLD"); env != "" {
			v, err := strconv.Atoi(env)
			if err != nil {
				return fmt.Errorf("PUSHLOG_THRESHOLD=%q: %w", env, err)
			}
			t = v
		}
	}

	status := os.Getenv("GIT_PUSH_CERT_NONCE_STATUS")
	accepted, err := repo.Ingest(certBytes, status, t)
	if err != nil {
		return err
	}
	if !accepted {
		log.Printf("pushlog: certificate dropped (nonce status %q, want %q)", status, cert.NonceOK)
	}
	return nil
}

func runSweep(args []string) error {
	fs := flag.NewFlagSet("sweep", flag.ExitOnError)
	dataDir := fs.String("data", ".", "repository root (contains .pushlog/)")
	fs.Parse(args)

	repo, err := openRepo(*dataDir)
	if err != nil {
		return err
	}

	head, err := repo.Sweep()
	if err != nil {
		return err
	}
	if head == cas.Undef {
		log.Printf("pushlog: sweep: nothing to archive")
	} else {
		log.Printf("pushlog: sweep: head at %s", cas.Encode(head))
	}
	return nil
}

func runLog(args []string) error {
	fs := flag.NewFlagSet("log", flag.ExitOnError)
	dataDir := fs.String("data", ".", "repository root (contains .pushlog/)")
	ref := fs.String("ref", "", "show only entries touching this ref")
	n := fs.Int("n", 0, "limit entries shown (0 = all)")
	fs.Parse(args)

	repo, err := openRepo(*dataDir)
	if err != nil {
		return err
	}

	var entries []archive.Entry
	if *ref != "" {
		entries, err = repo.EntriesForRef(*ref)
	} else {
		entries, err = repo.Log(*n)
	}
	if err != nil {
		return err
	}
	if *ref != "" && *n > 0 && len(entries) > *n {
		entries = entries[len(entries)-*n:]
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	for i := range entries {
		if err := enc.Encode(&entries[i]); err != nil {
			return err
		}
	}
	return nil
}

func runMount(args []string) error {
	fs := flag.NewFlagSet("mount", flag.ExitOnError)
	dataDir := fs.String("data", ".", "repository root (contains .pushlog/)")
	mountpoint := fs.String("mount", "", "FUSE mount point (required)")
	fs.Parse(args)

	if *mountpoint == "" {
		return fmt.Errorf("mount: -mount is required")
	}
	if err := os.MkdirAll(*mountpoint, 0755); err != nil {
		return fmt.Errorf("create mountpoint: %w", err)
	}

	repo, err := openRepo(*dataDir)
	if err != nil {
		return err
	}

	log.Printf("pushlog: mounting at %s", *mountpoint)
	server, err := fusefs.Mount(*mountpoint, repo)
	if err != nil {
		return fmt.Errorf("mount: %w", err)
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-done
		log.Println("pushlog: unmounting...")
		server.Unmount()
	}()

	log.Printf("pushlog: ready (pid %d)", os.Getpid())
	server.Wait()
	log.Println("pushlog: stopped")
	return nil
}
