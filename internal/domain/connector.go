package domain

// Connector is one charging socket of a station, keyed by a positive id.
// Id 0 addresses the station itself and never carries a transaction.
//
// TransactionStarted and TransactionID move together: a started connector
// always has a non-zero transaction id.
type Connector struct {
	ID                         int    `json:"id"`
	Available                  bool   `json:"available"`
	Status                     string `json:"status"`
	TransactionStarted         bool   `json:"transaction_started"`
	TransactionID              int    `json:"transaction_id"`
	TransactionIdTag           string `json:"transaction_id_tag"`
	EnergyActiveImportRegister int64  `json:"energy_active_import_register"`
}
