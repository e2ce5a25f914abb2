package discovery

import (
	"context"
	"encoding/json"

	"github.com/xeipuuv/gojsonschema"
	"go.uber.org/zap"

	x402 "github.com/x402kit/facilitator"
)

// CatalogHook returns an after-settle hook that records successfully
// settled resources into the catalog. Failed settlements and payloads
// without a resource URL are ignored, so the catalog only ever grows
// from payments that actually cleared.
func CatalogHook(catalog *Catalog, logger *zap.Logger) x402.AfterSettleHook {
	return func(ctx context.Context, payload x402.PaymentPayload, requirements x402.PaymentRequirements, result x402.SettleResponse) error {
		if !result.Success {
			return nil
		}
		if payload.Resource == nil || payload.Resource.URL == "" {
			return nil
		}

		resource := Resource{
			Resource:    payload.Resource.URL,
			Type:        "http",
			X402Version: payload.X402Version,
			Accepts:     []x402.PaymentRequirements{requirements},
		}

		if metadata := extractMetadata(payload, logger); metadata != nil {
			resource.Metadata = metadata
		}

		if err := catalog.Upsert(resource); err != nil {
			logger.Warn("discovery catalog upsert failed",
				zap.String("resource", payload.Resource.URL),
				zap.Error(err))
			return err
		}
		logger.Debug("discovery resource cataloged",
			zap.String("resource", payload.Resource.URL))
		return nil
	}
}

// extractMetadata pulls the bazaar extension out of the payload and, when
// the entry carries a schema, validates the info against it. Invalid
// extension data is dropped; the catalog entry itself is still recorded.
func extractMetadata(payload x402.PaymentPayload, logger *zap.Logger) map[string]interface{} {
	raw, ok := payload.Extensions[Extension]
	if !ok {
		return nil
	}

	envJSON, err := json.Marshal(raw)
	if err != nil {
		return nil
	}
	var env extensionEnvelope
	if err := json.Unmarshal(envJSON, &env); err != nil {
		logger.Debug("malformed bazaar extension dropped", zap.Error(err))
		return nil
	}
	if env.Info == nil {
		return nil
	}

	if env.Schema != nil {
		schemaJSON, err := json.Marshal(env.Schema)
		if err != nil {
			return nil
		}
		infoJSON, err := json.Marshal(env.Info)
		if err != nil {
			return nil
		}
		result, err := gojsonschema.Validate(
			gojsonschema.NewBytesLoader(schemaJSON),
			gojsonschema.NewBytesLoader(infoJSON),
		)
		if err != nil || !result.Valid() {
			logger.Debug("bazaar extension failed schema validation, dropped")
			return nil
		}
	}

	return env.Info
}
