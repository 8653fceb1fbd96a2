package resume

// resumeSchemaJSON accepts exactly one of the resume shapes the engine
// understands. Extra properties are tolerated so clients may attach metadata.
const resumeSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://crucible.dev/schemas/resume.json",
  "oneOf": [
    {
      "title": "plan selection",
      "type": "object",
      "required": ["selected_plan_id"],
      "properties": {
        "selected_plan_id": {"type": "string", "minLength": 1},
        "selected_plan_name": {"type": "string"}
      },
      "not": {"anyOf": [
        {"required": ["experiment_data"]},
        {"required": ["action"]}
      ]}
    },
    {
      "title": "experiment data",
      "type": "object",
      "required": ["experiment_data"],
      "properties": {
        "experiment_data": {
          "type": "object",
          "additionalProperties": {"type": ["number", "string"]}
        },
        "continue_iteration": {"type": "boolean"}
      },
      "not": {"anyOf": [
        {"required": ["selected_plan_id"]},
        {"required": ["action"]}
      ]}
    },
    {
      "title": "message",
      "type": "object",
      "required": ["message"],
      "properties": {
        "message": {"type": "string"}
      },
      "not": {"anyOf": [
        {"required": ["selected_plan_id"]},
        {"required": ["experiment_data"]},
        {"required": ["action"]}
      ]}
    },
    {
      "title": "terminate",
      "type": "object",
      "required": ["action"],
      "properties": {
        "action": {"const": "terminate"},
        "message": {"type": "string"}
      }
    }
  ]
}`
