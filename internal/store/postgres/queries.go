package postgres

// Schema creates the webhook tables. Every statement is idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS webhooks (
    id              UUID PRIMARY KEY,
    name            TEXT NOT NULL,
    url             TEXT NOT NULL,
    secret          TEXT NOT NULL DEFAULT '',
    enabled         BOOLEAN NOT NULL DEFAULT true,
    events          TEXT[] NOT NULL DEFAULT '{}',
    headers         JSONB NOT NULL DEFAULT '{}',
    retry_policy    JSONB NOT NULL,
    delivery_config JSONB,
    alert_config    JSONB,
    thresholds      JSONB NOT NULL DEFAULT '{}',
    connection_id   TEXT,
    created_at      TIMESTAMPTZ NOT NULL,
    updated_at      TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_webhooks_events ON webhooks USING GIN (events);

CREATE TABLE IF NOT EXISTS webhook_deliveries (
    id            UUID PRIMARY KEY,
    webhook_id    UUID NOT NULL REFERENCES webhooks(id) ON DELETE CASCADE,
    event_type    TEXT NOT NULL,
    payload       JSONB NOT NULL,
    status        TEXT NOT NULL,
    status_code   INTEGER NOT NULL DEFAULT 0,
    response_body TEXT NOT NULL DEFAULT '',
    attempts      INTEGER NOT NULL DEFAULT 0,
    next_retry_at TIMESTAMPTZ,
    created_at    TIMESTAMPTZ NOT NULL,
    completed_at  TIMESTAMPTZ,
    duration_ms   BIGINT NOT NULL DEFAULT 0,
    claim_token   UUID,
    claimed_until TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_deliveries_retry
    ON webhook_deliveries (next_retry_at) WHERE status = 'retrying';
CREATE INDEX IF NOT EXISTS idx_deliveries_webhook
    ON webhook_deliveries (webhook_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_deliveries_pending
    ON webhook_deliveries (created_at) WHERE status = 'pending';
`

const webhookColumns = `
    id, name, url, secret, enabled, events, headers, retry_policy,
    delivery_config, alert_config, thresholds, connection_id,
    created_at, updated_at`

const deliveryColumns = `
    id, webhook_id, event_type, payload, status, status_code, response_body,
    attempts, next_retry_at, created_at, completed_at, duration_ms,
    claim_token, claimed_until`

const queryInsertWebhook = `
INSERT INTO webhooks (` + webhookColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
`

const queryGetWebhook = `
SELECT` + webhookColumns + `
FROM webhooks
WHERE id = $1
`

const queryListWebhooks = `
SELECT` + webhookColumns + `
FROM webhooks
ORDER BY created_at ASC
`

const queryUpdateWebhook = `
UPDATE webhooks
SET name = $2, url = $3, secret = $4, enabled = $5, events = $6, headers = $7,
    retry_policy = $8, delivery_config = $9, alert_config = $10, thresholds = $11,
    connection_id = $12, updated_at = $13
WHERE id = $1
`

const queryDeleteWebhook = `
DELETE FROM webhooks WHERE id = $1
`

// Scoped webhooks are only visible to dispatches from their own connection.
// $2 is '' for a global dispatch, which NULLIF turns into a non-match.
const queryGetWebhooksByEvent = `
SELECT` + webhookColumns + `
FROM webhooks
WHERE enabled = true
  AND $1 = ANY(events)
  AND (connection_id IS NULL OR connection_id = '' OR connection_id = NULLIF($2, ''))
ORDER BY created_at ASC
`

const queryGetWebhooksByEventAllScopes = `
SELECT` + webhookColumns + `
FROM webhooks
WHERE enabled = true
  AND $1 = ANY(events)
ORDER BY created_at ASC
`

const queryInsertDelivery = `
INSERT INTO webhook_deliveries (` + deliveryColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
`

const queryGetDelivery = `
SELECT` + deliveryColumns + `
FROM webhook_deliveries
WHERE id = $1
`

const queryGetDeliveryGuard = `
SELECT status, claim_token FROM webhook_deliveries WHERE id = $1
`

// A NULL $9 skips the claim check.
const queryUpdateDelivery = `
UPDATE webhook_deliveries
SET status = $2, status_code = $3, response_body = $4, attempts = $5,
    next_retry_at = $6, completed_at = $7, duration_ms = $8, claimed_until = NULL
WHERE id = $1
  AND status NOT IN ('success', 'failed')
  AND ($9::uuid IS NULL OR claim_token = $9)
`

const queryClaimRetriableDeliveries = `
UPDATE webhook_deliveries
SET claim_token = $1, claimed_until = $2
WHERE id IN (
    SELECT id FROM webhook_deliveries
    WHERE status = 'retrying'
      AND next_retry_at <= $3
      AND (claimed_until IS NULL OR claimed_until < $3)
    ORDER BY next_retry_at ASC
    LIMIT $4
    FOR UPDATE SKIP LOCKED
)
RETURNING` + deliveryColumns

const queryReopenDelivery = `
UPDATE webhook_deliveries
SET status = 'retrying', next_retry_at = $2, completed_at = NULL,
    claim_token = $3, claimed_until = $4
WHERE id = $1
  AND status <> 'success'
  AND (claimed_until IS NULL OR claimed_until < $2)
RETURNING` + deliveryColumns

const queryReopenGuard = `
SELECT status, claimed_until FROM webhook_deliveries WHERE id = $1
`

const queryGetRetryStats = `
SELECT COUNT(*), MIN(next_retry_at)
FROM webhook_deliveries
WHERE status = 'retrying'
  AND next_retry_at IS NOT NULL
`

// NULLIF turns a zero limit into LIMIT NULL, which returns every row.
const queryListDeliveries = `
SELECT` + deliveryColumns + `
FROM webhook_deliveries
WHERE webhook_id = $1
ORDER BY created_at DESC
LIMIT NULLIF($2, 0) OFFSET $3
`

const queryPruneOldDeliveries = `
DELETE FROM webhook_deliveries
WHERE status IN ('success', 'failed')
  AND created_at < $1
`

const queryRequeueStalePending = `
WITH stale AS (
    SELECT id FROM webhook_deliveries
    WHERE status = 'pending'
      AND created_at < $1
    ORDER BY created_at ASC
    LIMIT $3
    FOR UPDATE SKIP LOCKED
)
UPDATE webhook_deliveries
SET status = 'retrying', next_retry_at = $2
FROM stale
WHERE webhook_deliveries.id = stale.id
`
