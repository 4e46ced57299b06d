package tasks_test

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	appsv1 "k8s.io/api/apps/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"

	"github.com/renkulab/capacity-agent/internal/cluster"
	"github.com/renkulab/capacity-agent/internal/models"
	"github.com/renkulab/capacity-agent/internal/tasks"
)

var _ = Describe("ActivationTask", func() {
	var (
		ctx        context.Context
		store      *fakeStore
		fakeClient client.Client
		task       *tasks.ActivationTask
		t0         time.Time
	)

	BeforeEach(func() {
		ctx = context.Background()
		t0 = time.Date(2025, 6, 10, 9, 0, 0, 0, time.UTC)

		scheme := runtime.NewScheme()
		Expect(clientgoscheme.AddToScheme(scheme)).To(Succeed())
		fakeClient = fake.NewClientBuilder().WithScheme(scheme).Build()

		store = newFakeStore()
		conn := cluster.NewConnectionWithClient(fakeClient, "local", "renku-sessions")
		task = &tasks.ActivationTask{
			Store:            store,
			Clusters:         cluster.NewRegistry(conn),
			DefaultClusterID: "local",
		}
	})

	It("creates the placeholder deployment and activates the occurrence", func() {
		store.addReservation(models.CapacityReservation{
			ID: "res-1",
			Provisioning: models.ReservationProvisioning{
				PlaceholderCount:  5,
				PriorityClassName: "reserved",
				CPURequest:        "2",
				MemoryRequest:     "4Gi",
			},
		})
		store.addOccurrence(models.Occurrence{
			ID:            "OCC-1",
			ReservationID: "res-1",
			StartsAt:      t0,
			EndsAt:        t0.Add(2 * time.Hour),
			State:         models.StatePending,
		})

		Expect(task.Run(ctx)).To(Succeed())

		deployment := &appsv1.Deployment{}
		Expect(fakeClient.Get(ctx, types.NamespacedName{
			Name:      "capacity-reservation-occ-1",
			Namespace: "renku-sessions",
		}, deployment)).To(Succeed())
		Expect(*deployment.Spec.Replicas).To(Equal(int32(5)))
		Expect(deployment.Labels).To(HaveKeyWithValue("renku.io/occurrence-id", "OCC-1"))

		Expect(store.occurrences["OCC-1"].State).To(Equal(models.StateActive))
		Expect(store.occurrences["OCC-1"].DeploymentName).To(Equal("capacity-reservation-occ-1"))
	})

	It("skips occurrences whose reservation is gone and processes the rest", func() {
		store.addReservation(models.CapacityReservation{
			ID: "res-1",
			Provisioning: models.ReservationProvisioning{
				PlaceholderCount: 1,
				CPURequest:       "1",
				MemoryRequest:    "1Gi",
			},
		})
		store.addOccurrence(models.Occurrence{
			ID:            "OCC-GONE",
			ReservationID: "res-missing",
			State:         models.StatePending,
		})
		store.addOccurrence(models.Occurrence{
			ID:            "OCC-OK",
			ReservationID: "res-1",
			State:         models.StatePending,
		})

		Expect(task.Run(ctx)).To(Succeed())

		Expect(store.occurrences["OCC-GONE"].State).To(Equal(models.StatePending))
		Expect(store.occurrences["OCC-OK"].State).To(Equal(models.StateActive))
	})

	It("skips occurrences whose reservation has malformed resource requests", func() {
		store.addReservation(models.CapacityReservation{
			ID: "res-bad",
			Provisioning: models.ReservationProvisioning{
				PlaceholderCount: 1,
				CPURequest:       "two cores",
				MemoryRequest:    "1Gi",
			},
		})
		store.addReservation(models.CapacityReservation{
			ID: "res-1",
			Provisioning: models.ReservationProvisioning{
				PlaceholderCount: 1,
				CPURequest:       "1",
				MemoryRequest:    "1Gi",
			},
		})
		store.addOccurrence(models.Occurrence{
			ID:            "OCC-BAD",
			ReservationID: "res-bad",
			State:         models.StatePending,
		})
		store.addOccurrence(models.Occurrence{
			ID:            "OCC-OK",
			ReservationID: "res-1",
			State:         models.StatePending,
		})

		Expect(task.Run(ctx)).To(Succeed())

		Expect(store.occurrences["OCC-BAD"].State).To(Equal(models.StatePending))
		Expect(store.occurrences["OCC-OK"].State).To(Equal(models.StateActive))

		deployments := &appsv1.DeploymentList{}
		Expect(fakeClient.List(ctx, deployments, client.InNamespace("renku-sessions"))).To(Succeed())
		Expect(deployments.Items).To(HaveLen(1))
		Expect(deployments.Items[0].Name).To(Equal("capacity-reservation-occ-ok"))
	})

	It("is idempotent across invocations via the due set", func() {
		store.addReservation(models.CapacityReservation{
			ID: "res-1",
			Provisioning: models.ReservationProvisioning{
				PlaceholderCount: 2,
				CPURequest:       "1",
				MemoryRequest:    "1Gi",
			},
		})
		store.addOccurrence(models.Occurrence{
			ID:            "OCC-1",
			ReservationID: "res-1",
			State:         models.StatePending,
		})

		Expect(task.Run(ctx)).To(Succeed())
		// Second run sees an empty due set; no duplicate create is attempted.
		Expect(task.Run(ctx)).To(Succeed())

		deployments := &appsv1.DeploymentList{}
		Expect(fakeClient.List(ctx, deployments, client.InNamespace("renku-sessions"))).To(Succeed())
		Expect(deployments.Items).To(HaveLen(1))
	})

	It("propagates cluster create failures and leaves later occurrences pending", func() {
		store.addReservation(models.CapacityReservation{
			ID: "res-1",
			Provisioning: models.ReservationProvisioning{
				PlaceholderCount: 1,
				CPURequest:       "1",
				MemoryRequest:    "1Gi",
			},
		})
		// Occurrences are processed in id order; OCC-A's deployment already
		// exists, so its create fails and OCC-B is never reached.
		store.addOccurrence(models.Occurrence{
			ID:            "OCC-A",
			ReservationID: "res-1",
			State:         models.StatePending,
		})
		store.addOccurrence(models.Occurrence{
			ID:            "OCC-B",
			ReservationID: "res-1",
			State:         models.StatePending,
		})

		Expect(task.Run(ctx)).To(Succeed())
		// Reset OCC-A to PENDING so its create collides with the existing
		// deployment on the next run.
		store.occurrences["OCC-A"].State = models.StatePending
		store.occurrences["OCC-B"].State = models.StatePending

		err := task.Run(ctx)
		Expect(err).To(HaveOccurred())
		Expect(store.occurrences["OCC-B"].State).To(Equal(models.StatePending))
	})
})
