package pcgc

import (
	"fmt"
	"github.com/esdb/pcgc/gcdump"
	"io"
)

func regionStateName(region *RegionData) string {
	switch {
	case region.Completed():
		return "completed"
	case region.Claimed():
		return "claimed"
	case region.Available():
		return "available"
	}
	return "pending"
}

// snapshot copies the plan and every used region of each space
func (ctx *CollectionContext) snapshot(reason string) *gcdump.Snapshot {
	cmap := ctx.cmap
	snapshot := &gcdump.Snapshot{Cycle: ctx.cycle, Reason: reason}
	for id := range ctx.spaces {
		info := &ctx.spaces[id]
		space := info.space
		snapshot.Spaces = append(snapshot.Spaces, gcdump.SpaceSnapshot{
			Name:        space.ID().String(),
			Bottom:      uint64(space.Bottom()),
			Top:         uint64(space.Top()),
			End:         uint64(space.End()),
			NewTop:      uint64(info.newTop),
			DensePrefix: uint64(info.densePrefix),
			SplitRegion: info.split.SrcRegionIdx(),
		})
		begIdx := cmap.AddrToRegionIdx(space.Bottom())
		endIdx := cmap.AddrToRegionIdx(cmap.RegionAlignUp(maxAddr(space.Top(), info.newTop)))
		for idx := begIdx; idx < endIdx; idx++ {
			region := cmap.Region(idx)
			snapshot.Regions = append(snapshot.Regions, gcdump.RegionSnapshot{
				Index:            idx,
				Destination:      uint64(region.Destination()),
				SourceRegion:     region.SourceRegion(),
				PartialObjAddr:   uint64(region.PartialObjAddr()),
				PartialObjSize:   region.PartialObjSize(),
				LiveObjSize:      region.LiveObjSize(),
				DestinationCount: uint64(region.DestinationCount()),
				DeferredObjAddr:  uint64(region.DeferredObjAddr()),
				State:            regionStateName(region),
				ShadowState:      region.ShadowState().String(),
			})
		}
	}
	return snapshot
}

func printSnapshot(writer io.Writer, snapshot *gcdump.Snapshot) {
	fmt.Fprintf(writer, "cycle %d", snapshot.Cycle)
	if snapshot.Reason != "" {
		fmt.Fprintf(writer, " %s", snapshot.Reason)
	}
	fmt.Fprintln(writer)
	for _, space := range snapshot.Spaces {
		fmt.Fprintf(writer, "%-4s [%d, %d) top=%d new_top=%d dense_prefix=%d split_region=%d\n",
			space.Name, space.Bottom, space.End, space.Top, space.NewTop, space.DensePrefix, space.SplitRegion)
	}
	fmt.Fprintln(writer, "region destination source partial_addr partial_size live dc deferred state shadow")
	for _, region := range snapshot.Regions {
		fmt.Fprintf(writer, "%d %d %d %d %d %d %d %d %s %s\n",
			region.Index, region.Destination, region.SourceRegion,
			region.PartialObjAddr, region.PartialObjSize, region.LiveObjSize,
			region.DestinationCount, region.DeferredObjAddr, region.State, region.ShadowState)
	}
}
