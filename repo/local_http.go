package repo

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"

	log "github.com/sirupsen/logrus"
)

// LocalHTTP serves a staged package directory from the cache over plain
// HTTP for the lifetime of the run. The listener is bound and the directory
// fully staged before the serving goroutine starts, so the server never
// observes a half-written repository.
type LocalHTTP struct {
	rpmsDir  string
	cacheDir string
	ip       string
	port     int

	// Index generates the repository metadata; replaced in tests.
	Index Indexer

	server *http.Server
}

func NewLocalHTTP(rpmsDir, cacheDir, ip string, port int) *LocalHTTP {
	return &LocalHTTP{
		rpmsDir:  rpmsDir,
		cacheDir: cacheDir,
		ip:       ip,
		port:     port,
		Index:    createrepo,
	}
}

func (l *LocalHTTP) Acquire(ctx context.Context) (Handle, error) {
	repoDir, err := stageRPMs(l.rpmsDir, l.cacheDir, l.Index)
	if err != nil {
		return Handle{}, err
	}

	ln, err := net.Listen("tcp", ":"+strconv.Itoa(l.port))
	if err != nil {
		return Handle{}, fmt.Errorf("can't bind repository server: %w", err)
	}

	l.server = &http.Server{Handler: http.FileServer(http.Dir(repoDir))}
	go func() {
		if err := l.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("repository server failed")
		}
	}()

	baseURL := fmt.Sprintf("http://%s:%d", l.ip, l.port)
	log.WithField("baseurl", baseURL).Info("serving package repository")

	return Handle{Name: "rpmci", BaseURL: baseURL}, nil
}

func (l *LocalHTTP) Release() {
	if l.server == nil {
		return
	}
	if err := l.server.Close(); err != nil {
		log.WithError(err).Warn("failed to stop repository server")
	}
	l.server = nil
}
