package storage

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"chimera/core"
	"chimera/metrics"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

// AlertCursor interface for mocking
type AlertCursor interface {
	All(ctx context.Context, results interface{}) error
	Close(ctx context.Context) error
	Err() error
	Next(ctx context.Context) bool
	Decode(v interface{}) error
}

// AlertSingleResult interface for mocking
type AlertSingleResult interface {
	Decode(v interface{}) error
}

// AlertCollection interface for mocking
type AlertCollection interface {
	FindOne(ctx context.Context, filter interface{}, opts ...*options.FindOneOptions) AlertSingleResult
	Find(ctx context.Context, filter interface{}, opts ...*options.FindOptions) (AlertCursor, error)
	InsertOne(ctx context.Context, document interface{}, opts ...*options.InsertOneOptions) (*mongo.InsertOneResult, error)
	ReplaceOne(ctx context.Context, filter interface{}, replacement interface{}, opts ...*options.ReplaceOptions) (*mongo.UpdateResult, error)
	CountDocuments(ctx context.Context, filter interface{}, opts ...*options.CountOptions) (int64, error)
	Aggregate(ctx context.Context, pipeline interface{}, opts ...*options.AggregateOptions) (AlertCursor, error)
}

// mongoAlertCursor adapts *mongo.Cursor to AlertCursor
type mongoAlertCursor struct {
	*mongo.Cursor
}

func (m *mongoAlertCursor) All(ctx context.Context, results interface{}) error {
	return m.Cursor.All(ctx, results)
}

func (m *mongoAlertCursor) Close(ctx context.Context) error {
	return m.Cursor.Close(ctx)
}

func (m *mongoAlertCursor) Err() error {
	return m.Cursor.Err()
}

func (m *mongoAlertCursor) Next(ctx context.Context) bool {
	return m.Cursor.Next(ctx)
}

func (m *mongoAlertCursor) Decode(v interface{}) error {
	return m.Cursor.Decode(v)
}

// mongoAlertCollection adapts *mongo.Collection to AlertCollection
type mongoAlertCollection struct {
	*mongo.Collection
}

func (m *mongoAlertCollection) FindOne(ctx context.Context, filter interface{}, opts ...*options.FindOneOptions) AlertSingleResult {
	return m.Collection.FindOne(ctx, filter, opts...)
}

func (m *mongoAlertCollection) Find(ctx context.Context, filter interface{}, opts ...*options.FindOptions) (AlertCursor, error) {
	cursor, err := m.Collection.Find(ctx, filter, opts...)
	if err != nil {
		return nil, err
	}
	return &mongoAlertCursor{Cursor: cursor}, nil
}

func (m *mongoAlertCollection) Aggregate(ctx context.Context, pipeline interface{}, opts ...*options.AggregateOptions) (AlertCursor, error) {
	cursor, err := m.Collection.Aggregate(ctx, pipeline, opts...)
	if err != nil {
		return nil, err
	}
	return &mongoAlertCursor{Cursor: cursor}, nil
}

// MongoAlertStorage handles alert persistence in MongoDB. Same contract as
// the SQLite store; merge atomicity comes from session transactions, which
// require the server to run as a replica set.
type MongoAlertStorage struct {
	mongoDB *MongoDB
	coll    AlertCollection
	logger  *zap.SugaredLogger
}

// NewMongoAlertStorage creates a new alert storage over the alerts collection
func NewMongoAlertStorage(mongoDB *MongoDB, logger *zap.SugaredLogger) *MongoAlertStorage {
	return &MongoAlertStorage{
		mongoDB: mongoDB,
		coll:    &mongoAlertCollection{Collection: mongoDB.Database.Collection("alerts")},
		logger:  logger,
	}
}

// EnsureIndexes creates the indexes the window query, fingerprint lookups
// and ingest idempotency rely on.
func (s *MongoAlertStorage) EnsureIndexes(ctx context.Context) error {
	coll := s.mongoDB.Database.Collection("alerts")

	indexes := []mongo.IndexModel{
		{Keys: bson.D{{Key: "created_at", Value: 1}}},
		{Keys: bson.D{{Key: "dedup_fingerprint", Value: 1}}},
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "created_at", Value: 1}}},
		{
			Keys: bson.D{{Key: "source", Value: 1}, {Key: "external_id", Value: 1}},
			Options: options.Index().
				SetUnique(true).
				SetPartialFilterExpression(bson.M{"external_id": bson.M{"$exists": true, "$gt": ""}}),
		},
	}

	_, err := coll.Indexes().CreateMany(ctx, indexes)
	if err != nil {
		return fmt.Errorf("failed to create alert indexes: %w", err)
	}

	s.logger.Info("Alert indexes ensured in MongoDB")
	return nil
}

// GetAlert retrieves an alert by ID
func (s *MongoAlertStorage) GetAlert(ctx context.Context, id string) (*core.Alert, error) {
	defer observeMongoOp("get", time.Now())

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var alert core.Alert
	err := s.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&alert)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, &core.NotFoundError{AlertID: id}
	}
	if err != nil {
		return nil, &core.StoreUnavailableError{Op: "get", Err: err}
	}

	return &alert, nil
}

// QueryWindow returns alerts with created_at in [start, end] inclusive,
// excluding excludeID and any alert in excludeStatus, sorted by created_at
// ascending.
func (s *MongoAlertStorage) QueryWindow(ctx context.Context, start, end time.Time, excludeID string, excludeStatus core.AlertStatus) ([]*core.Alert, error) {
	defer observeMongoOp("query_window", time.Now())

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	filter := bson.M{
		"created_at": bson.M{"$gte": start.UTC(), "$lte": end.UTC()},
		"_id":        bson.M{"$ne": excludeID},
		"status":     bson.M{"$ne": excludeStatus.String()},
	}

	findOptions := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}})

	cursor, err := s.coll.Find(ctx, filter, findOptions)
	if err != nil {
		return nil, &core.StoreUnavailableError{Op: "query_window", Err: err}
	}
	defer cursor.Close(ctx)

	alerts := make([]*core.Alert, 0)
	for cursor.Next(ctx) {
		var alert core.Alert
		if err := cursor.Decode(&alert); err != nil {
			return nil, &core.StoreUnavailableError{Op: "query_window", Err: err}
		}
		alerts = append(alerts, &alert)
	}
	if err := cursor.Err(); err != nil {
		return nil, &core.StoreUnavailableError{Op: "query_window", Err: err}
	}

	return alerts, nil
}

// InsertAlert persists a new alert
func (s *MongoAlertStorage) InsertAlert(ctx context.Context, alert *core.Alert) error {
	defer observeMongoOp("insert", time.Now())

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := s.coll.InsertOne(ctx, alert)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return ErrDuplicateExternalID
		}
		return &core.StoreUnavailableError{Op: "insert", Err: err}
	}

	s.logger.Debugw("Alert inserted",
		"alert_id", alert.ID,
		"source", alert.Source,
		"fingerprint", alert.DedupFingerprint,
	)

	return nil
}

// FindByExternalID looks up the alert previously ingested for an upstream
// (source, external_id) pair
func (s *MongoAlertStorage) FindByExternalID(ctx context.Context, source, externalID string) (*core.Alert, error) {
	defer observeMongoOp("find_external", time.Now())

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var alert core.Alert
	err := s.coll.FindOne(ctx, bson.M{"source": source, "external_id": externalID}).Decode(&alert)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, &core.NotFoundError{AlertID: externalID}
	}
	if err != nil {
		return nil, &core.StoreUnavailableError{Op: "find_external", Err: err}
	}

	return &alert, nil
}

// mongoMergeTx runs merge reads and writes inside a session transaction.
// Operations use the session context captured at transaction start, not the
// per-call context, so everything lands in the same transaction.
type mongoMergeTx struct {
	coll    AlertCollection
	sessCtx mongo.SessionContext
}

func (t *mongoMergeTx) GetAlertForUpdate(_ context.Context, id string) (*core.Alert, error) {
	var alert core.Alert
	err := t.coll.FindOne(t.sessCtx, bson.M{"_id": id}).Decode(&alert)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, &core.NotFoundError{AlertID: id}
	}
	if err != nil {
		return nil, &core.StoreUnavailableError{Op: "merge_read", Err: err}
	}
	return &alert, nil
}

func (t *mongoMergeTx) WriteAlert(_ context.Context, alert *core.Alert) error {
	result, err := t.coll.ReplaceOne(t.sessCtx, bson.M{"_id": alert.ID}, alert)
	if err != nil {
		return &core.StoreUnavailableError{Op: "merge_write", Err: err}
	}
	if result.MatchedCount == 0 {
		return &core.NotFoundError{AlertID: alert.ID}
	}
	return nil
}

// RunMergeTx executes fn inside one session transaction. The driver may
// retry the callback on transient transaction errors; fn must therefore be
// safe to re-run, which holds because the merge coordinator re-reads all
// state at the top of the callback. Domain errors abort the transaction and
// pass through unchanged.
func (s *MongoAlertStorage) RunMergeTx(ctx context.Context, fn func(tx core.MergeTx) error) error {
	defer observeMongoOp("merge_tx", time.Now())

	session, err := s.mongoDB.Client.StartSession()
	if err != nil {
		return &core.StoreUnavailableError{Op: "merge_tx", Err: err}
	}
	defer session.EndSession(ctx)

	var fnErr error
	_, err = session.WithTransaction(ctx, func(sessCtx mongo.SessionContext) (interface{}, error) {
		fnErr = fn(&mongoMergeTx{coll: s.coll, sessCtx: sessCtx})
		return nil, fnErr
	})
	if err == nil {
		return nil
	}
	if errors.Is(err, fnErr) {
		return err
	}
	return &core.StoreUnavailableError{Op: "merge_tx", Err: err}
}

// UpdateAlertStatus transitions an alert's lifecycle status inside a
// session transaction. Merged is guarded in both directions.
func (s *MongoAlertStorage) UpdateAlertStatus(ctx context.Context, id string, status core.AlertStatus) (*core.Alert, error) {
	defer observeMongoOp("update_status", time.Now())

	if status == core.AlertStatusMerged {
		return nil, &core.ValidationError{Field: "status", Reason: "merged is set only by the merge path"}
	}

	var updated *core.Alert
	err := s.RunMergeTx(ctx, func(tx core.MergeTx) error {
		alert, err := tx.GetAlertForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if alert.IsMerged() {
			return &core.AlreadyMergedError{AlertID: alert.ID, DuplicateOf: alert.DuplicateOf}
		}
		if err := alert.TransitionTo(status); err != nil {
			return &core.ValidationError{Field: "status", Reason: err.Error()}
		}
		alert.UpdatedAt = time.Now().UTC()
		if err := tx.WriteAlert(ctx, alert); err != nil {
			return err
		}
		updated = alert
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Infow("Alert status updated", "alert_id", id, "status", status.String())
	return updated, nil
}

// ListAlerts returns a filtered, sorted page of alerts plus the total count
func (s *MongoAlertStorage) ListAlerts(ctx context.Context, filters *core.AlertFilters) ([]*core.Alert, int64, error) {
	defer observeMongoOp("list", time.Now())

	if filters == nil {
		filters = core.NewAlertFilters()
	}
	if filters.Page < 1 {
		filters.Page = 1
	}
	if filters.Limit < 1 || filters.Limit > 1000 {
		filters.Limit = 100
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	filter := bson.M{}
	if len(filters.Statuses) > 0 {
		filter["status"] = bson.M{"$in": filters.Statuses}
	}
	if len(filters.Severities) > 0 {
		filter["severity"] = bson.M{"$in": filters.Severities}
	}
	if len(filters.Sources) > 0 {
		filter["source"] = bson.M{"$in": filters.Sources}
	}
	if len(filters.Categories) > 0 {
		filter["category"] = bson.M{"$in": filters.Categories}
	}
	if len(filters.MitreTechniques) > 0 {
		filter["mitre_techniques"] = bson.M{"$in": filters.MitreTechniques}
	}
	if filters.DuplicateOf != "" {
		filter["duplicate_of"] = filters.DuplicateOf
	}
	if filters.OnlyOriginals {
		filter["duplicate_count"] = bson.M{"$gt": 0}
	}
	if filters.CreatedAfter != nil || filters.CreatedBefore != nil {
		created := bson.M{}
		if filters.CreatedAfter != nil {
			created["$gte"] = filters.CreatedAfter.UTC()
		}
		if filters.CreatedBefore != nil {
			created["$lte"] = filters.CreatedBefore.UTC()
		}
		filter["created_at"] = created
	}
	if filters.Search != "" {
		// Escaped so user input matches literally, never as a pattern
		pattern := regexp.QuoteMeta(filters.Search)
		filter["$or"] = bson.A{
			bson.M{"title": bson.M{"$regex": pattern, "$options": "i"}},
			bson.M{"description": bson.M{"$regex": pattern, "$options": "i"}},
		}
	}

	total, err := s.coll.CountDocuments(ctx, filter)
	if err != nil {
		return nil, 0, &core.StoreUnavailableError{Op: "list", Err: err}
	}

	// Sort field from whitelist only
	sortBy := "created_at"
	switch filters.SortBy {
	case "created_at", "updated_at", "severity", "title", "duplicate_count", "status":
		sortBy = filters.SortBy
	}
	sortDir := -1
	if strings.ToLower(filters.SortOrder) == "asc" {
		sortDir = 1
	}

	findOptions := options.Find().
		SetSort(bson.D{{Key: sortBy, Value: sortDir}}).
		SetSkip(int64((filters.Page - 1) * filters.Limit)).
		SetLimit(int64(filters.Limit))

	cursor, err := s.coll.Find(ctx, filter, findOptions)
	if err != nil {
		return nil, 0, &core.StoreUnavailableError{Op: "list", Err: err}
	}
	defer cursor.Close(ctx)

	alerts := make([]*core.Alert, 0)
	for cursor.Next(ctx) {
		var alert core.Alert
		if err := cursor.Decode(&alert); err != nil {
			return nil, 0, &core.StoreUnavailableError{Op: "list", Err: err}
		}
		alerts = append(alerts, &alert)
	}
	if err := cursor.Err(); err != nil {
		return nil, 0, &core.StoreUnavailableError{Op: "list", Err: err}
	}

	return alerts, total, nil
}

// GetCorrelationStatistics computes dedup effectiveness over [since, until]
// with a single aggregation pipeline.
func (s *MongoAlertStorage) GetCorrelationStatistics(ctx context.Context, since, until time.Time) (*core.CorrelationStatistics, error) {
	defer observeMongoOp("stats", time.Now())

	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	pipeline := mongo.Pipeline{
		bson.D{{Key: "$match", Value: bson.M{
			"created_at": bson.M{"$gte": since.UTC(), "$lte": until.UTC()},
		}}},
		bson.D{{Key: "$group", Value: bson.M{
			"_id":   nil,
			"total": bson.M{"$sum": 1},
			"merged": bson.M{"$sum": bson.M{
				"$cond": bson.A{bson.M{"$eq": bson.A{"$status", core.AlertStatusMerged.String()}}, 1, 0},
			}},
			"source_ips": bson.M{"$addToSet": "$source_ip"},
			"dest_ips":   bson.M{"$addToSet": "$dest_ip"},
			"hostnames":  bson.M{"$addToSet": "$hostname"},
		}}},
		bson.D{{Key: "$project", Value: bson.M{
			"total":      1,
			"merged":     1,
			"source_ips": bson.M{"$size": "$source_ips"},
			"dest_ips":   bson.M{"$size": "$dest_ips"},
			"hostnames":  bson.M{"$size": "$hostnames"},
		}}},
	}

	cursor, err := s.coll.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, &core.StoreUnavailableError{Op: "stats", Err: err}
	}
	defer cursor.Close(ctx)

	var results []struct {
		Total     int64 `bson:"total"`
		Merged    int64 `bson:"merged"`
		SourceIPs int64 `bson:"source_ips"`
		DestIPs   int64 `bson:"dest_ips"`
		Hostnames int64 `bson:"hostnames"`
	}
	if err := cursor.All(ctx, &results); err != nil {
		return nil, &core.StoreUnavailableError{Op: "stats", Err: err}
	}

	stats := &core.CorrelationStatistics{
		RangeStart: since.UTC(),
		RangeEnd:   until.UTC(),
	}
	if len(results) > 0 {
		r := results[0]
		stats.TotalAlerts = r.Total
		stats.MergedDuplicates = r.Merged
		stats.UniqueAlerts = r.Total - r.Merged
		stats.DistinctSourceIPs = r.SourceIPs
		stats.DistinctDestIPs = r.DestIPs
		stats.DistinctHostnames = r.Hostnames
		if r.Total > 0 {
			stats.DeduplicationRate = float64(r.Merged) / float64(r.Total) * 100
		}
	}

	return stats, nil
}

// observeMongoOp records operation latency under the mongodb backend label.
func observeMongoOp(op string, start time.Time) {
	metrics.StoreOpDuration.WithLabelValues("mongodb", op).Observe(time.Since(start).Seconds())
}
