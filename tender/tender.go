// Package tender stores public tenders (licitaciones) that matched a keyword
// search, and tracks which of them have been notified.
//
// Fetching tenders, keyword matching and delivering notifications live
// outside this package.
package tender

import "time"

// Tender is a tender as returned by the procurement API.
type Tender struct {
	CodigoExterno    string  `json:"CodigoExterno" dynamodbav:"CodigoExterno" validate:"required"`
	Nombre           string  `json:"Nombre" dynamodbav:"Nombre" validate:"required"`
	CodigoLicitacion *string `json:"CodigoLicitacion,omitempty" dynamodbav:"CodigoLicitacion,omitempty"`
	UnidadTecnica    *string `json:"UnidadTecnica,omitempty" dynamodbav:"UnidadTecnica,omitempty"`
	Comprador        *string `json:"Comprador,omitempty" dynamodbav:"Comprador,omitempty"`
	FechaCreacion    *string `json:"FechaCreacion,omitempty" dynamodbav:"FechaCreacion,omitempty"`
	FechaCierre      *string `json:"FechaCierre,omitempty" dynamodbav:"FechaCierre,omitempty"`
	EstadoLicitacion *string `json:"EstadoLicitacion,omitempty" dynamodbav:"EstadoLicitacion,omitempty"`
	Tipo             *string `json:"Tipo,omitempty" dynamodbav:"Tipo,omitempty"`
}

// StoredTender is the item kept in the tender table.
type StoredTender struct {
	Tender

	// TenderID is the partition key; it equals CodigoExterno.
	TenderID  string    `json:"tenderId" dynamodbav:"tenderId" validate:"required"`
	CreatedAt time.Time `json:"createdAt" dynamodbav:"createdAt" validate:"required"`
	Notified  bool      `json:"notified" dynamodbav:"notified"`
	// Keywords are the search terms the tender matched.
	Keywords []string `json:"keywords,omitempty" dynamodbav:"keywords,omitempty"`
	// ExpiresAt is the TTL epoch in seconds; zero keeps the item forever.
	ExpiresAt int64 `json:"expiresAt,omitempty" dynamodbav:"expiresAt,omitempty"`
}
