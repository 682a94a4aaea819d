package skills

// SkillSchema is the JSON schema every skill manifest must satisfy.
const SkillSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "title": "Skill Manifest",
  "type": "object",
  "required": ["name", "version", "description"],
  "properties": {
    "name": {
      "type": "string",
      "pattern": "^[a-z0-9-]+$",
      "description": "Skill identifier, lowercase alphanumeric with hyphens"
    },
    "version": {
      "type": "string",
      "pattern": "^\\d+\\.\\d+\\.\\d+$",
      "description": "Semver version"
    },
    "description": {
      "type": "string",
      "minLength": 1,
      "description": "One-line summary shown to the model"
    },
    "triggers": {
      "type": "array",
      "items": {"type": "string"},
      "description": "Phrases that suggest this skill applies"
    },
    "instructions": {
      "type": "string",
      "description": "Detailed instructions injected when the skill is active"
    }
  },
  "additionalProperties": false
}`
