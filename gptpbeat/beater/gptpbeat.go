// Package beater реализует интерфейс Beater для Gptpbeat (libbeat v7).
package beater

import (
	"context"
	"errors"
	"fmt"

	"github.com/elastic/beats/v7/libbeat/beat"
	"github.com/elastic/beats/v7/libbeat/common"
	"github.com/elastic/beats/v7/libbeat/logp"
	pkgconfig "github.com/shiwa/timecard-mini/gptpsync/pkg/config"
	"github.com/shiwa/timecard-mini/gptpsync/pkg/gptpsync"
)

// Gptpbeat реализует beat.Beater.
type Gptpbeat struct {
	done   chan struct{}
	config *pkgconfig.Config
	client beat.Client
}

// New создаёт Beater из конфигурации Beat (секция gptpbeat).
func New(b *beat.Beat, cfg *common.Config) (beat.Beater, error) {
	sub, err := cfg.Child("gptpbeat", -1)
	if err != nil || sub == nil {
		return nil, fmt.Errorf("конфиг gptpbeat не найден: %v", err)
	}
	config := pkgconfig.Default()
	if err := sub.Unpack(config); err != nil {
		return nil, fmt.Errorf("ошибка разбора конфига gptpbeat: %w", err)
	}
	pkgconfig.ApplyDefaults(config)
	return &Gptpbeat{
		done:   make(chan struct{}),
		config: config,
	}, nil
}

// Run запускает демон gptpsync до Stop() и публикует его события.
func (bt *Gptpbeat) Run(b *beat.Beat) error {
	logp.Info("gptpbeat запущен, каналов %d", len(bt.config.Links))
	client, err := b.Publisher.Connect()
	if err != nil {
		return err
	}
	bt.client = client

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-bt.done
		cancel()
	}()

	p := newPublisher(client)
	hooks := gptpsync.Hooks{Diagnostics: p, Recorder: p, OnStatus: p.Status}
	err = gptpsync.RunDaemon(ctx, bt.config, true, hooks)
	if err != nil && !errors.Is(err, context.Canceled) {
		logp.Warn("gptpsync завершён: %v", err)
		return err
	}
	return nil
}

// Stop останавливает Run.
func (bt *Gptpbeat) Stop() {
	if bt.client != nil {
		bt.client.Close()
	}
	close(bt.done)
}
