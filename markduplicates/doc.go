/*Package markduplicates marks duplicate fragments in a coordinate-sorted
  .bam file, streaming each reference through a bounded window instead of
  holding whole shards of pairs in memory.

  Duplicate Marking Concepts:

  A fragment is every alignment of one sequencing template: the primary
  read, its mate when the mate is mapped, and the supplementary
  alignments listed in their SA tags.  Each primary read is reduced to
  a normalized coordinate:

    forward read:  +(1-based unclipped start)
    reverse read:  -(1-based unclipped end)

  so a single signed integer carries both strand and 5' position.  The
  key of a fragment is the minimum and maximum of the normalized
  coordinates of its primary reads, plus whether it is paired.  Two
  fragments with all primary reads present and equal keys are
  duplicates.  A mate-unmapped read is never a duplicate of a mapped
  pair, because pairedness is part of the key.

  Fragments are grouped by the normalized coordinate of the read that
  created them (the initial coordinate).  Only fragments in the same
  position group are ever compared, which bounds the comparison work to
  the depth at one position.

  Classification:

  When a position group leaves the window, every pair of fragments in it
  is compared:

    both complete, equal keys         DUPLICATE
    both complete, different keys     NONE
    one incomplete, mates within one
    read length on the same strand    CANDIDATE
    otherwise                         NONE

  Duplicates are resolved immediately.  The primary of a duplicate group
  is the fragment with the highest average base quality; ties go to the
  only member not already flagged as a duplicate in the input, and then
  to the first in input order.  Candidates are joined transitively into
  candidate groups and decided once the missing mates arrive.  With
  high-depth promotion enabled, candidates in crowded position groups
  whose mate positions are within a small tolerance are resolved as
  duplicates without waiting.

  With UMIs, a duplicate group is split into sub-groups whose UMIs,
  taken from the end of the read name, are within a Hamming distance of
  each other.  A known-UMI list snaps every observed UMI to its closest
  known UMI first.

  Partitions and reconciliation:

  Each reference is cut into fixed-size partitions, and one worker per
  reference streams its partitions in order.  The window is reset at
  every partition boundary, so a partition never looks at another
  partition's records.  Whatever a partition cannot decide on its own
  goes to a shared reconciler:

    - a resolved fragment still missing reads leaves its resolution with
      the partitions that owe the reads;
    - a read arriving without its owner (the mate sorts first, or it is a
      supplementary alignment) adopts a resolution already left for it,
      or is cached until the owner reports;
    - a candidate group waits until every member's mate has arrived, or
      the mate's partition was drained without it, and is then
      re-classified with all the evidence.

  Because both arrival orders give the same result, workers on different
  references run concurrently.  Reads whose owner never reports are
  written as non-duplicates.

  Tagging:

  If the caller specifies the "tag-duplicates" parameter, every read of
  a duplicate group carries

    DI  the group id: a fingerprint of the primary's read name
    DS  the number of fragments in the group
    DU  the UMI the group was anchored on, when UMIs are in use

  Reads that are not in a duplicate group carry no tags.

  Output:

  Once every partition has been drained, the input is streamed a second
  time and written with the final flags and tags, in input order.  The
  per-read resolutions can also be written to a tab-separated status
  file, and per-library metrics in the format of picard MarkDuplicates.
*/
package markduplicates
