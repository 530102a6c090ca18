package models

import (
	"encoding/json"
	"time"
)

// ExchangeRecord is the persisted state of one logical data exchange.
// Each side of the exchange keeps its own copy under its own id; the
// counter-party's id is stored in ProviderExchangeID/ConsumerExchangeID.
type ExchangeRecord struct {
	ID                 string             `json:"id"`
	ProviderExchangeID string             `json:"providerDataExchangeId,omitempty"`
	ConsumerExchangeID string             `json:"consumerDataExchangeId,omitempty"`
	ProviderEndpoint   string             `json:"providerEndpoint"`
	ConsumerEndpoint   string             `json:"consumerEndpoint"`
	Contract           string             `json:"contract"`
	PurposeID          string             `json:"purposeId,omitempty"`
	Resources          []ExchangeResource `json:"resources"`
	ProviderParams     map[string]string  `json:"providerParams,omitempty"`
	ConsumerParams     map[string]string  `json:"consumerParams,omitempty"`
	ServiceChain       *ServiceChain      `json:"serviceChain,omitempty"`
	ProviderData       *PayloadData       `json:"providerData,omitempty"`
	Status             string             `json:"status"`
	Payload            string             `json:"payload,omitempty"`
	CreatedAt          time.Time          `json:"createdAt"`
	UpdatedAt          time.Time          `json:"updatedAt"`
}

// ExchangeResource is one resource covered by an exchange.
type ExchangeResource struct {
	ServiceOffering string            `json:"serviceOffering"`
	Resource        string            `json:"resource"`
	Params          map[string]string `json:"params,omitempty"`
	Completed       bool              `json:"completed"`
}

// ServiceChain is the ordered list of infrastructure hops a payload
// traverses before reaching the consumer.
type ServiceChain struct {
	ID       string         `json:"id"`
	Services []ChainService `json:"services"`
}

type ChainService struct {
	Participant   string            `json:"participant"`
	Service       string            `json:"service"`
	Configuration string            `json:"configuration,omitempty"`
	Params        map[string]string `json:"params,omitempty"`
	PreTarget     bool              `json:"pre,omitempty"`
	Completed     bool              `json:"completed"`
}

// PayloadData carries integrity metadata captured at provider export
// and validated at consumer import.
type PayloadData struct {
	Mimetype string `json:"mimetype,omitempty"`
	Checksum string `json:"checksum,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// MirrorProjection is the reduced record shape posted to a counter-party
// or chain participant when creating a mirror copy.
type MirrorProjection struct {
	ProviderExchangeID string             `json:"providerDataExchangeId,omitempty"`
	ConsumerExchangeID string             `json:"consumerDataExchangeId,omitempty"`
	ProviderEndpoint   string             `json:"providerEndpoint"`
	ConsumerEndpoint   string             `json:"consumerEndpoint"`
	Contract           string             `json:"contract"`
	PurposeID          string             `json:"purposeId,omitempty"`
	Resources          []ExchangeResource `json:"resources"`
	ProviderParams     map[string]string  `json:"providerParams,omitempty"`
	ConsumerParams     map[string]string  `json:"consumerParams,omitempty"`
	ServiceChain       *ServiceChain      `json:"serviceChain,omitempty"`
	Status             string             `json:"status"`
}

// CredentialType enumerates supported auth strategies for representation
// fetches.
type CredentialType string

const (
	CredentialNone   CredentialType = "none"
	CredentialBasic  CredentialType = "basic"
	CredentialAPIKey CredentialType = "apiKey"
	CredentialS3     CredentialType = "s3"
	CredentialProxy  CredentialType = "proxy"
)

// Credential resolves to one auth strategy. A credential referenced by an
// in-flight exchange is treated as immutable: edits never retroactively
// affect params already snapshotted onto a record.
type Credential struct {
	ID        string         `json:"id"`
	Type      CredentialType `json:"type"`
	Key       string         `json:"key,omitempty"`
	Value     string         `json:"value,omitempty"`
	S3        *S3Credential  `json:"s3,omitempty"`
	ProxyURL  string         `json:"proxyUrl,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

type S3Credential struct {
	Endpoint  string `json:"endpoint"`
	Region    string `json:"region,omitempty"`
	AccessKey string `json:"accessKey"`
	SecretKey string `json:"secretKey"`
	Bucket    string `json:"bucket,omitempty"`
	UseSSL    bool   `json:"useSSL"`
}

// Representation describes how a resource's bytes are fetched or pushed.
type Representation struct {
	URL         string   `json:"url"`
	Method      string   `json:"method,omitempty"`
	Credential  string   `json:"credential,omitempty"`
	Type        string   `json:"type,omitempty"`
	MediaType   string   `json:"mediaType,omitempty"`
	QueryParams []string `json:"queryParams,omitempty"`
}

// StatusEvent is published on every exchange status transition.
type StatusEvent struct {
	ExchangeID string          `json:"exchangeId"`
	Status     string          `json:"status"`
	Payload    string          `json:"payload,omitempty"`
	Origin     string          `json:"origin,omitempty"`
	At         time.Time       `json:"at"`
	Detail     json.RawMessage `json:"detail,omitempty"`
}
