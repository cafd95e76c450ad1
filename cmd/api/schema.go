package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/graphql-go/graphql"
	"github.com/graphql-go/graphql/language/ast"
	"go.uber.org/zap"

	"github.com/alim08/quote_relay/pkg/marketcache"
	"github.com/alim08/quote_relay/pkg/models"
	"github.com/alim08/quote_relay/pkg/validation"
)

// buildSchema exposes the read-through cache as a GraphQL query surface.
func (s *Server) buildSchema() (graphql.Schema, error) {
	timestampType := graphql.NewScalar(graphql.ScalarConfig{
		Name:        "Timestamp",
		Description: "RFC 3339 timestamp",
		Serialize: func(value interface{}) interface{} {
			switch v := value.(type) {
			case time.Time:
				return v.UTC().Format(time.RFC3339)
			case *time.Time:
				if v == nil {
					return nil
				}
				return v.UTC().Format(time.RFC3339)
			default:
				return nil
			}
		},
		ParseValue: func(value interface{}) interface{} {
			if str, ok := value.(string); ok {
				return parseGraphQLTime(str)
			}
			return nil
		},
		ParseLiteral: func(valueAST ast.Value) interface{} {
			if sv, ok := valueAST.(*ast.StringValue); ok {
				return parseGraphQLTime(sv.Value)
			}
			return nil
		},
	})

	quoteType := graphql.NewObject(graphql.ObjectConfig{
		Name: "Quote",
		Fields: graphql.Fields{
			"symbol":        &graphql.Field{Type: graphql.String},
			"price":         &graphql.Field{Type: graphql.Float},
			"changePercent": &graphql.Field{Type: graphql.Float},
			// Float: daily volumes can exceed the 32-bit GraphQL Int
			"volume":      &graphql.Field{Type: graphql.Float},
			"lastUpdated": &graphql.Field{Type: timestampType},
		},
	})

	barType := graphql.NewObject(graphql.ObjectConfig{
		Name: "Bar",
		Fields: graphql.Fields{
			"timestamp": &graphql.Field{Type: timestampType},
			"open":      &graphql.Field{Type: graphql.Float},
			"high":      &graphql.Field{Type: graphql.Float},
			"low":       &graphql.Field{Type: graphql.Float},
			"close":     &graphql.Field{Type: graphql.Float},
			"volume":    &graphql.Field{Type: graphql.Float},
		},
	})

	historyType := graphql.NewObject(graphql.ObjectConfig{
		Name: "History",
		Fields: graphql.Fields{
			"symbol": &graphql.Field{Type: graphql.String},
			"bars":   &graphql.Field{Type: graphql.NewList(barType)},
		},
	})

	queryType := graphql.NewObject(graphql.ObjectConfig{
		Name: "Query",
		Fields: graphql.Fields{
			"quote": &graphql.Field{
				Type: quoteType,
				Args: graphql.FieldConfigArgument{
					"symbol": &graphql.ArgumentConfig{Type: graphql.NewNonNull(graphql.String)},
				},
				Resolve: func(p graphql.ResolveParams) (interface{}, error) {
					symbol, err := symbolArg(p)
					if err != nil {
						return nil, err
					}
					q, err := s.data.GetQuote(p.Context, symbol)
					if err != nil {
						return nil, graphqlLookupError(err)
					}
					return quoteFields(q), nil
				},
			},
			"history": &graphql.Field{
				Type: historyType,
				Args: graphql.FieldConfigArgument{
					"symbol": &graphql.ArgumentConfig{Type: graphql.NewNonNull(graphql.String)},
					"start":  &graphql.ArgumentConfig{Type: timestampType},
					"end":    &graphql.ArgumentConfig{Type: timestampType},
				},
				Resolve: func(p graphql.ResolveParams) (interface{}, error) {
					symbol, err := symbolArg(p)
					if err != nil {
						return nil, err
					}
					start, _ := p.Args["start"].(*time.Time)
					end, _ := p.Args["end"].(*time.Time)
					hist, err := s.data.GetHistory(p.Context, symbol, start, end)
					if err != nil {
						return nil, graphqlLookupError(err)
					}
					bars := make([]map[string]interface{}, 0, len(hist.Bars))
					for _, b := range hist.Bars {
						bars = append(bars, barFields(b))
					}
					return map[string]interface{}{"symbol": hist.Symbol, "bars": bars}, nil
				},
			},
			"symbols": &graphql.Field{
				Type: graphql.NewList(graphql.String),
				Resolve: func(p graphql.ResolveParams) (interface{}, error) {
					return s.catalog.ListSymbols(p.Context)
				},
			},
			"marketOpen": &graphql.Field{
				Type: graphql.Boolean,
				Resolve: func(p graphql.ResolveParams) (interface{}, error) {
					return s.cfg.Session.IsOpen(s.now()), nil
				},
			},
		},
	})

	return graphql.NewSchema(graphql.SchemaConfig{Query: queryType})
}

func parseGraphQLTime(raw string) interface{} {
	for _, layout := range []string{time.RFC3339, dateLayout} {
		if t, err := time.ParseInLocation(layout, raw, time.UTC); err == nil {
			return &t
		}
	}
	return nil
}

func symbolArg(p graphql.ResolveParams) (string, error) {
	raw, _ := p.Args["symbol"].(string)
	symbol := validation.NormalizeSymbol(raw)
	if !validation.IsSymbol(symbol) {
		return "", fmt.Errorf("invalid symbol: %q", raw)
	}
	return symbol, nil
}

func graphqlLookupError(err error) error {
	var nf *marketcache.NotFoundError
	if errors.As(err, &nf) {
		return errors.New(nf.Message())
	}
	return err
}

func quoteFields(q models.Quote) map[string]interface{} {
	return map[string]interface{}{
		"symbol":        q.Symbol,
		"price":         q.Price,
		"changePercent": q.ChangePercent,
		"volume":        float64(q.Volume),
		"lastUpdated":   q.ObservedAt,
	}
}

func barFields(b models.Bar) map[string]interface{} {
	return map[string]interface{}{
		"timestamp": b.Timestamp,
		"open":      b.Open,
		"high":      b.High,
		"low":       b.Low,
		"close":     b.Close,
		"volume":    float64(b.Volume),
	}
}

type graphqlRequest struct {
	Query         string                 `json:"query"`
	Variables     map[string]interface{} `json:"variables"`
	OperationName string                 `json:"operationName"`
}

func (s *Server) graphqlHandler(w http.ResponseWriter, r *http.Request) {
	var req graphqlRequest
	if r.Method == http.MethodGet {
		req.Query = r.URL.Query().Get("query")
		req.OperationName = r.URL.Query().Get("operationName")
		if vars := r.URL.Query().Get("variables"); vars != "" {
			if err := json.Unmarshal([]byte(vars), &req.Variables); err != nil {
				s.writeError(w, http.StatusBadRequest, "Invalid variables JSON")
				return
			}
		}
	} else if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON payload")
		return
	}
	if req.Query == "" {
		s.writeError(w, http.StatusBadRequest, "Query is required")
		return
	}

	result := graphql.Do(graphql.Params{
		Schema:         s.schema,
		RequestString:  req.Query,
		VariableValues: req.Variables,
		OperationName:  req.OperationName,
		Context:        r.Context(),
	})
	if result.HasErrors() {
		s.log.Debug("graphql errors", zap.Any("errors", result.Errors))
	}
	s.writeJSON(w, http.StatusOK, result)
}
