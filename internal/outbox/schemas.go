package outbox

const interventionCreatedSchema = `{
  "type": "object",
  "title": "InterventionCreated",
  "properties": {
    "intervention_id": {"type": "string"},
    "tenant_id": {"type": "string"},
    "member_id": {"type": "string"},
    "intervention_type": {"type": "string"},
    "status": {"type": "string"},
    "created_at": {"type": "string", "format": "date-time"}
  },
  "required": ["intervention_id", "tenant_id", "member_id", "intervention_type", "status", "created_at"],
  "additionalProperties": false
}`

const interventionStatusChangedSchema = `{
  "type": "object",
  "title": "InterventionStatusChanged",
  "properties": {
    "intervention_id": {"type": "string"},
    "tenant_id": {"type": "string"},
    "member_id": {"type": "string"},
    "status": {"type": "string"},
    "occurred_at": {"type": "string", "format": "date-time"},
    "reason": {"type": "string"}
  },
  "required": ["intervention_id", "tenant_id", "member_id", "status", "occurred_at"],
  "additionalProperties": false
}`
