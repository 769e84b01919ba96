package executor

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// denyPolicyPrefix marks managed policies created by the guardrails.
// Rollback only ever deletes policies carrying this prefix.
const denyPolicyPrefix = "guardrails-deny-"

// DenyPolicyName builds the managed policy name for a policy's deny
// list. The suffix is a digest of the sorted actions, so the same
// policy and deny set always map to the same name regardless of the
// order actions were written in YAML.
func DenyPolicyName(policyID string, denyActions []string) string {
	sorted := make([]string, len(denyActions))
	copy(sorted, denyActions)
	sort.Strings(sorted)

	encoded, _ := json.Marshal(sorted)
	digest := sha256.Sum256(encoded)
	return fmt.Sprintf("%s%s-%s", denyPolicyPrefix, policyID, hex.EncodeToString(digest[:])[:8])
}

// IsDenyPolicyARN reports whether arn points at a guardrails-managed
// deny policy
func IsDenyPolicyARN(arn string) bool {
	return strings.Contains(arn, denyPolicyPrefix)
}

type policyStatement struct {
	Sid      string   `json:"Sid"`
	Effect   string   `json:"Effect"`
	Action   []string `json:"Action"`
	Resource string   `json:"Resource"`
}

type policyDocument struct {
	Version   string            `json:"Version"`
	Statement []policyStatement `json:"Statement"`
}

// DenyPolicyDocument renders the IAM policy document denying the given
// actions on all resources
func DenyPolicyDocument(denyActions []string) (string, error) {
	doc := policyDocument{
		Version: "2012-10-17",
		Statement: []policyStatement{{
			Sid:      "GuardrailsDenyPolicy",
			Effect:   "Deny",
			Action:   denyActions,
			Resource: "*",
		}},
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("marshaling deny policy document: %w", err)
	}
	return string(data), nil
}

// ParsePrincipalARN splits an IAM principal ARN into its type ("role"
// or "user") and name. The name keeps any path segments after the
// first slash.
func ParsePrincipalARN(arn string) (principalType, principalName string, err error) {
	parts := strings.Split(arn, ":")
	if len(parts) != 6 || parts[2] != "iam" {
		return "", "", fmt.Errorf("invalid IAM ARN: %s", arn)
	}

	resource := parts[5]
	idx := strings.Index(resource, "/")
	if idx < 0 {
		return "", "", fmt.Errorf("invalid IAM resource: %s", resource)
	}

	principalType = resource[:idx]
	principalName = resource[idx+1:]
	if principalType != "role" && principalType != "user" {
		return "", "", fmt.Errorf("unsupported principal type: %s", principalType)
	}
	if principalName == "" {
		return "", "", fmt.Errorf("empty principal name in ARN: %s", arn)
	}
	return principalType, principalName, nil
}
