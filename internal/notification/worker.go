package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/SherClockHolmes/webpush-go"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/justinsiek/Maker-Safe/internal/metrics"
	"github.com/justinsiek/Maker-Safe/internal/model"
)

// Alert is a violation worth pushing to the subscribers of a station.
type Alert struct {
	ViolationID string
	StationID   string
	MakerName   string
	Location    string
	Label       string
	Severity    string
}

// payload is the JSON body delivered to the service worker.
type payload struct {
	Title       string `json:"title"`
	Body        string `json:"body"`
	ViolationID string `json:"violationId"`
	StationID   string `json:"stationId"`
	Severity    string `json:"severity"`
}

// NotificationSender defines the interface for sending a web push notification.
type NotificationSender interface {
	Send(payload []byte, sub *webpush.Subscription, options *webpush.Options) (*http.Response, error)
}

// WebPushSender is a real implementation of NotificationSender using the webpush library.
type WebPushSender struct{}

// Send sends a notification using the webpush library.
func (s *WebPushSender) Send(payload []byte, sub *webpush.Subscription, options *webpush.Options) (*http.Response, error) {
	return webpush.SendNotification(payload, sub, options)
}

// WorkerPool manages a pool of workers for sending alerts.
type WorkerPool struct {
	size    int
	jobs    chan Alert
	db      *gorm.DB
	webpush *webpush.Options
	sender  NotificationSender
	log     *zap.Logger
	metrics *metrics.Metrics
}

// NewWorkerPool creates a new worker pool with a job queue of queueSize.
func NewWorkerPool(size, queueSize int, db *gorm.DB, webpushOptions *webpush.Options, log *zap.Logger, m *metrics.Metrics) *WorkerPool {
	if queueSize < size {
		queueSize = size
	}
	return &WorkerPool{
		size:    size,
		jobs:    make(chan Alert, queueSize),
		db:      db,
		webpush: webpushOptions,
		sender:  &WebPushSender{},
		log:     log,
		metrics: m,
	}
}

// Start launches the worker goroutines.
func (wp *WorkerPool) Start(ctx context.Context) {
	for i := 0; i < wp.size; i++ {
		go wp.worker(ctx, i)
	}
}

func (wp *WorkerPool) worker(ctx context.Context, id int) {
	wp.log.Debug("alert worker started", zap.Int("worker", id))
	for {
		select {
		case alert := <-wp.jobs:
			wp.sendAlertsForStation(ctx, alert)
		case <-ctx.Done():
			wp.log.Debug("alert worker shutting down", zap.Int("worker", id))
			return
		}
	}
}

// Dispatch queues an alert. It never blocks; when the queue is full the alert is
// dropped and false is returned.
func (wp *WorkerPool) Dispatch(alert Alert) bool {
	select {
	case wp.jobs <- alert:
		return true
	default:
		wp.log.Warn("alert queue full, dropping alert",
			zap.String("violation_id", alert.ViolationID), zap.String("station_id", alert.StationID))
		return false
	}
}

// Jobs returns the jobs channel for testing.
func (wp *WorkerPool) Jobs() chan Alert {
	return wp.jobs
}

func (wp *WorkerPool) sendAlertsForStation(ctx context.Context, alert Alert) {
	if alert.StationID == "" {
		return
	}

	var subscriptions []model.PushSubscription
	err := wp.db.WithContext(ctx).
		Joins("JOIN subscription_station_mapping smm ON smm.push_subscription_endpoint = push_subscriptions.endpoint").
		Where("smm.station_id = ?", alert.StationID).
		Find(&subscriptions).Error
	if err != nil {
		wp.log.Error("failed to fetch subscriptions",
			zap.String("station_id", alert.StationID), zap.Error(err))
		return
	}
	if len(subscriptions) == 0 {
		return
	}

	body, err := json.Marshal(payload{
		Title:       fmt.Sprintf("Safety violation at %s", alert.Location),
		Body:        fmt.Sprintf("%s: %s", alert.MakerName, alert.Label),
		ViolationID: alert.ViolationID,
		StationID:   alert.StationID,
		Severity:    alert.Severity,
	})
	if err != nil {
		wp.log.Error("failed to encode alert", zap.Error(err))
		return
	}

	wp.log.Info("sending alerts",
		zap.Int("subscriptions", len(subscriptions)),
		zap.String("station_id", alert.StationID),
		zap.String("violation_id", alert.ViolationID))
	for _, sub := range subscriptions {
		wp.sendNotification(ctx, sub, body)
	}
}

func (wp *WorkerPool) sendNotification(ctx context.Context, sub model.PushSubscription, body []byte) {
	wpSub := &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.P256DH,
			Auth:   sub.Auth,
		},
	}

	resp, err := wp.sender.Send(body, wpSub, wp.webpush)
	wp.metrics.RecordAlert(err)
	if err != nil {
		wp.log.Warn("failed to send alert", zap.String("endpoint", sub.Endpoint), zap.Error(err))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusGone {
		wp.log.Info("subscription expired, deleting", zap.String("endpoint", sub.Endpoint))
		if err := wp.db.WithContext(ctx).Delete(&sub).Error; err != nil {
			wp.log.Error("failed to delete expired subscription",
				zap.String("endpoint", sub.Endpoint), zap.Error(err))
		}
	}
}
