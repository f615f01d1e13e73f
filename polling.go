package ldclient

import (
	"sync"
	"time"
)

// pollingProcessor is the update processor used when streaming is disabled. It fetches a
// full data snapshot on a fixed interval and replaces the store contents with each fresh
// (non-cached) snapshot.
type pollingProcessor struct {
	store           FeatureStore
	requestor       *requestor
	config          Config
	initializedOnce sync.Once
	isInitialized   bool
	quit            chan struct{}
	closeOnce       sync.Once
}

func newPollingProcessor(config Config, requestor *requestor) *pollingProcessor {
	return &pollingProcessor{
		store:     config.FeatureStore,
		requestor: requestor,
		config:    config,
		quit:      make(chan struct{}),
	}
}

func (pp *pollingProcessor) Start(closeWhenReady chan<- struct{}) {
	pp.config.Loggers.Infof("Starting LaunchDarkly polling with interval: %+v", pp.config.PollInterval)
	go pp.run(closeWhenReady)
}

// run polls once immediately, then again on each tick, until the processor is closed or a
// poll fails permanently. closeWhenReady is always closed before returning so that a
// client waiting on initialization does not block forever.
func (pp *pollingProcessor) run(closeWhenReady chan<- struct{}) {
	var readyOnce sync.Once
	notifyReady := func() {
		readyOnce.Do(func() {
			close(closeWhenReady)
		})
	}
	defer notifyReady()

	ticker := time.NewTicker(pp.config.PollInterval)
	defer ticker.Stop()

	for {
		if !pp.pollOnce(notifyReady) {
			return
		}
		select {
		case <-pp.quit:
			pp.config.Loggers.Info("Polling has been shut down")
			return
		case <-ticker.C:
		}
	}
}

// pollOnce performs a single poll and reports whether polling should continue.
func (pp *pollingProcessor) pollOnce(notifyReady func()) bool {
	err := pp.poll()
	if err == nil {
		pp.initializedOnce.Do(func() {
			pp.isInitialized = true
			pp.config.Loggers.Info("First polling request successful")
			notifyReady()
		})
		return true
	}
	pp.config.Loggers.Errorf("Error when requesting feature updates: %+v", err)
	if hse, ok := err.(HttpStatusError); ok {
		pp.config.Loggers.Error(httpErrorMessage(hse.Code, "polling request", "will retry"))
		if !isHTTPErrorRecoverable(hse.Code) {
			return false
		}
	}
	return true
}

func (pp *pollingProcessor) poll() error {
	allData, cached, err := pp.requestor.requestAll()
	if err != nil {
		return err
	}
	if cached {
		// A 304 means the store already holds this data set; reinitializing it would wipe
		// out any newer individual updates.
		return nil
	}
	return pp.store.Init(MakeAllVersionedDataMap(allData.Flags, allData.Segments))
}

func (pp *pollingProcessor) Close() error {
	pp.closeOnce.Do(func() {
		pp.config.Loggers.Info("Closing Polling Processor")
		close(pp.quit)
	})
	return nil
}

func (pp *pollingProcessor) Initialized() bool {
	return pp.isInitialized
}
