package models

// Dashboard tags name the pre-defined report pages a schedule can send.
const (
	DashboardMain         = "dashboard"
	DashboardFinancier    = "financier"
	DashboardOccupation   = "occupation"
	DashboardClients      = "clients"
	DashboardOperationnel = "operationnel"
	DashboardAlerts       = "alerts"
)

// Dashboards is the closed tag set, in display order.
var Dashboards = []string{
	DashboardMain,
	DashboardFinancier,
	DashboardOccupation,
	DashboardClients,
	DashboardOperationnel,
	DashboardAlerts,
}

var dashboardTitles = map[string]string{
	DashboardMain:         "Tableau de bord général",
	DashboardFinancier:    "Tableau de bord financier",
	DashboardOccupation:   "Occupation des zones",
	DashboardClients:      "Portefeuille clients",
	DashboardOperationnel: "Suivi opérationnel",
	DashboardAlerts:       "Alertes",
}

func IsDashboard(tag string) bool {
	_, ok := dashboardTitles[tag]
	return ok
}

// DashboardTitle returns the human label of a tag, or the tag itself.
func DashboardTitle(tag string) string {
	if title, ok := dashboardTitles[tag]; ok {
		return title
	}
	return tag
}
