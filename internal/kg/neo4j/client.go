package neo4j

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"

	"github.com/pavit-health/backend/pkg/circuitbreaker"
	"github.com/pavit-health/backend/pkg/logger"
	"github.com/pavit-health/backend/pkg/retry"
)

// Client reads and writes the disease/vitamin reference graph:
// (:Disease)-[:DEFICIENT_IN {strength, note, source, position}]->(:Vitamin {foods, notes}).
type Client struct {
	driver      neo4j.DriverWithContext
	database    string
	cb          *circuitbreaker.CircuitBreaker
	retryConfig retry.Config
}

type Association struct {
	Disease  string
	Vitamin  string
	Strength string
	Note     string
	Source   string
	Position int64
}

type VitaminNode struct {
	Name  string
	Foods []string
	Notes string
}

func NewClient(ctx context.Context, uri, username, password, database string) (*Client, error) {
	driver, err := neo4j.NewDriverWithContext(
		uri,
		neo4j.BasicAuth(username, password, ""),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create neo4j driver: %w", err)
	}

	if err := driver.VerifyConnectivity(ctx); err != nil {
		driver.Close(ctx)
		return nil, fmt.Errorf("failed to verify connectivity: %w", err)
	}

	cb := circuitbreaker.New("neo4j", circuitbreaker.Config{
		MaxRequests:      3,
		OpenTimeout:      20 * time.Second,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Logger:           logger.GetLogger(),
	})

	retryConfig := retry.Config{
		MaxAttempts:    3,
		InitialDelay:   200 * time.Millisecond,
		MaxDelay:       3 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.1,
		Logger:         logger.GetLogger(),
	}

	if database == "" {
		database = "neo4j"
	}

	logger.Info("Neo4j client initialized", zap.String("uri", uri), zap.String("database", database))

	return &Client{
		driver:      driver,
		database:    database,
		cb:          cb,
		retryConfig: retryConfig,
	}, nil
}

func (c *Client) Close(ctx context.Context) error {
	return c.driver.Close(ctx)
}

func (c *Client) Ping(ctx context.Context) error {
	return c.driver.VerifyConnectivity(ctx)
}

func (c *Client) executeWithRetry(ctx context.Context, operation func(context.Context, neo4j.SessionWithContext) error) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	return c.cb.Execute(ctx, func(ctx context.Context) error {
		return retry.Do(ctx, c.retryConfig, func(ctx context.Context) error {
			session := c.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: c.database})
			defer session.Close(ctx)
			return operation(ctx, session)
		})
	})
}

// Associations returns every DEFICIENT_IN edge ordered by disease, then by
// the edge position recorded at import.
func (c *Client) Associations(ctx context.Context) ([]Association, error) {
	var out []Association

	err := c.executeWithRetry(ctx, func(ctx context.Context, session neo4j.SessionWithContext) error {
		out = out[:0]
		query := `
			MATCH (d:Disease)-[r:DEFICIENT_IN]->(v:Vitamin)
			RETURN d.name AS disease, v.name AS vitamin,
			       r.strength AS strength, r.note AS note, r.source AS source,
			       coalesce(r.position, 0) AS position
			ORDER BY d.name, position, v.name
		`

		result, err := session.Run(ctx, query, nil)
		if err != nil {
			return fmt.Errorf("failed to query associations: %w", err)
		}

		for result.Next(ctx) {
			record := result.Record()

			disease, _ := record.Get("disease")
			vitamin, _ := record.Get("vitamin")
			strength, _ := record.Get("strength")
			note, _ := record.Get("note")
			source, _ := record.Get("source")
			position, _ := record.Get("position")

			pos, _ := position.(int64)
			out = append(out, Association{
				Disease:  asString(disease),
				Vitamin:  asString(vitamin),
				Strength: asString(strength),
				Note:     asString(note),
				Source:   asString(source),
				Position: pos,
			})
		}

		if err = result.Err(); err != nil {
			return fmt.Errorf("error iterating results: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	logger.Debug("Associations loaded from graph", zap.Int("count", len(out)))
	return out, nil
}

// Vitamins returns every Vitamin node with its food list. Foods may be
// stored either as a list property or as a ';' separated string.
func (c *Client) Vitamins(ctx context.Context) ([]VitaminNode, error) {
	var out []VitaminNode

	err := c.executeWithRetry(ctx, func(ctx context.Context, session neo4j.SessionWithContext) error {
		out = out[:0]
		query := `
			MATCH (v:Vitamin)
			RETURN v.name AS name, v.foods AS foods, v.notes AS notes
			ORDER BY v.name
		`

		result, err := session.Run(ctx, query, nil)
		if err != nil {
			return fmt.Errorf("failed to query vitamins: %w", err)
		}

		for result.Next(ctx) {
			record := result.Record()
			name, _ := record.Get("name")
			foods, _ := record.Get("foods")
			notes, _ := record.Get("notes")

			out = append(out, VitaminNode{
				Name:  asString(name),
				Foods: asStrings(foods),
				Notes: asString(notes),
			})
		}

		if err = result.Err(); err != nil {
			return fmt.Errorf("error iterating results: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ReplaceReference swaps the whole reference graph in one write transaction:
// existing Disease and Vitamin nodes are removed with their edges, then the
// given vitamins and associations are written. Readers never see a mix of
// old and new edges.
func (c *Client) ReplaceReference(ctx context.Context, vitamins []VitaminNode, assocs []Association) error {
	vitaminParams := make([]map[string]any, 0, len(vitamins))
	for _, v := range vitamins {
		vitaminParams = append(vitaminParams, map[string]any{
			"name":  v.Name,
			"foods": v.Foods,
			"notes": v.Notes,
		})
	}
	assocParams := make([]map[string]any, 0, len(assocs))
	for _, a := range assocs {
		assocParams = append(assocParams, map[string]any{
			"disease":  a.Disease,
			"vitamin":  a.Vitamin,
			"strength": a.Strength,
			"note":     a.Note,
			"source":   a.Source,
			"position": a.Position,
		})
	}

	err := c.executeWithRetry(ctx, func(ctx context.Context, session neo4j.SessionWithContext) error {
		_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
			if _, err := tx.Run(ctx, `
				MATCH (n) WHERE n:Disease OR n:Vitamin
				DETACH DELETE n
			`, nil); err != nil {
				return nil, fmt.Errorf("clear: %w", err)
			}

			if _, err := tx.Run(ctx, `
				UNWIND $vitamins AS row
				MERGE (v:Vitamin {name: row.name})
				SET v.foods = row.foods,
				    v.notes = row.notes,
				    v.updated_at = timestamp()
			`, map[string]any{"vitamins": vitaminParams}); err != nil {
				return nil, fmt.Errorf("vitamins: %w", err)
			}

			if _, err := tx.Run(ctx, `
				UNWIND $assocs AS row
				MERGE (d:Disease {name: row.disease})
				MERGE (v:Vitamin {name: row.vitamin})
				CREATE (d)-[:DEFICIENT_IN {
				    position: row.position,
				    strength: row.strength,
				    note: row.note,
				    source: row.source
				}]->(v)
			`, map[string]any{"assocs": assocParams}); err != nil {
				return nil, fmt.Errorf("associations: %w", err)
			}
			return nil, nil
		})
		if err != nil {
			return fmt.Errorf("failed to replace reference graph: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	logger.Debug("Reference graph replaced",
		zap.Int("vitamins", len(vitamins)),
		zap.Int("associations", len(assocs)),
	)
	return nil
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asStrings(v any) []string {
	switch val := v.(type) {
	case []any:
		out := make([]string, 0, len(val))
		for _, item := range val {
			if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
				out = append(out, strings.TrimSpace(s))
			}
		}
		return out
	case string:
		out := []string{}
		for _, s := range strings.Split(val, ";") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
		return out
	default:
		return []string{}
	}
}
