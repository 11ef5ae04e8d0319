package trash

import "github.com/prometheus/client_golang/prometheus"

var trashOps = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "warden_trash_operations_total",
	Help: "Trash operations by kind.",
}, []string{"op"})

func init() {
	prometheus.MustRegister(trashOps)
}
